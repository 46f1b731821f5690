package aggregator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/store"
)

// WriteBackIdentities populates the matched_identity shortcut column on the
// persisted match rows of a streamed run, so the pattern-matching engine
// can query by identity directly. Idempotent; pass force to refresh rows
// that already carry an identity. Returns the number of rows written.
func (a *Aggregator) WriteBackIdentities(ctx context.Context, st *store.Store, runID string, force bool) (int, error) {
	written := 0
	for offset := 0; ; offset += streamPageSize {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("identity write-back cancelled: %w", err)
		}
		page, err := st.MatchPage(ctx, runID, offset, streamPageSize)
		if err != nil {
			return written, fmt.Errorf("reading match page at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}

		updates := make([]store.IdentityUpdate, 0, len(page))
		for _, m := range page {
			if m.MatchedIdentity != "" && !force {
				continue
			}
			value, typ := matchIdentity(m)
			if value == "" {
				continue
			}
			updates = append(updates, store.IdentityUpdate{
				MatchID:  m.ID,
				Identity: value,
				Type:     typ,
			})
		}
		n, err := st.WriteIdentities(ctx, updates, force)
		if err != nil {
			return written, fmt.Errorf("writing identities at offset %d: %w", offset, err)
		}
		written += n
	}

	a.logger.Info("Identity write-back complete",
		zap.String("run_id", runID),
		zap.Int("rows_written", written),
		zap.Bool("force", force))
	return written, nil
}
