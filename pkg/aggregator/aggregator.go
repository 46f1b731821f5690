// Package aggregator builds a populated identity registry from upstream
// correlation results, whatever engine shape produced them, and recovers
// from malformed input without aborting the batch.
package aggregator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/registry"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/store"
)

// maxErrorMessages bounds the diagnostics kept in Stats.
const maxErrorMessages = 10

// streamPageSize is how many persisted matches are pulled per page while
// aggregating a streamed result.
const streamPageSize = 1000

// Stats summarizes one aggregation pass.
type Stats struct {
	IdentitiesFound int      `json:"identities_found"`
	Aggregated      int      `json:"aggregated"`
	Errors          int      `json:"errors"`
	Skipped         int      `json:"skipped"`
	Messages        []string `json:"messages,omitempty"`
}

func (s *Stats) recordError(err error) {
	s.Errors++
	if len(s.Messages) < maxErrorMessages {
		s.Messages = append(s.Messages, err.Error())
	}
}

// Aggregator extracts identities from correlation result sets into a
// registry. Stateless apart from its logger; safe to reuse across runs.
type Aggregator struct {
	logger *zap.Logger
}

// New creates an aggregator.
func New(logger *zap.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Aggregate consolidates one or more result sets into a single registry.
// Each set is processed independently: a malformed set records a
// structured error and the remaining sets still contribute. The returned
// registry is always usable, possibly partial, never nil.
func (a *Aggregator) Aggregate(ctx context.Context, sets []domain.ResultSet) (*registry.Registry, *Stats) {
	reg := registry.New()
	stats := &Stats{}

	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			stats.recordError(fmt.Errorf("aggregation cancelled: %w", err))
			break
		}
		if set == nil {
			stats.recordError(domain.ErrInvalidResultShape("result", "nil result set"))
			continue
		}
		if err := a.aggregateSet(ctx, set, reg, stats); err != nil {
			stats.recordError(err)
			a.logger.Error("Result set aggregation failed",
				zap.String("run_id", set.Wing().RunID),
				zap.Error(err))
		}
	}

	stats.IdentitiesFound = reg.Len()
	a.logger.Info("Identity aggregation complete",
		zap.Int("result_sets", len(sets)),
		zap.Int("identities", stats.IdentitiesFound),
		zap.Int("aggregated", stats.Aggregated),
		zap.Int("errors", stats.Errors),
		zap.Int("skipped", stats.Skipped))
	return reg, stats
}

// aggregateSet dispatches on the result variant. One extraction strategy
// per shape; no duck-typed field probing.
func (a *Aggregator) aggregateSet(ctx context.Context, set domain.ResultSet, reg *registry.Registry, stats *Stats) error {
	wing := set.Wing()
	if wing.RunID == "" {
		return domain.ErrInvalidResultShape("run_id", "missing run id")
	}

	switch r := set.(type) {
	case *domain.IdentityIndexedResult:
		if r.Identities == nil {
			return domain.ErrInvalidResultShape("identities", "identity-indexed result has no identities collection")
		}
		a.fromIdentityIndexed(r, reg, stats)
		return nil
	case *domain.MatchIndexedResult:
		if r.Matches == nil {
			return domain.ErrInvalidResultShape("matches", "match-indexed result has no matches collection")
		}
		a.fromMatchIndexed(r, reg, stats)
		return nil
	case *domain.StreamedResult:
		if r.StorePath == "" {
			return domain.ErrInvalidResultShape("store_path", "streamed result has no store path")
		}
		return a.fromStreamed(ctx, r, reg, stats)
	default:
		return domain.ErrInvalidResultShape("result", fmt.Sprintf("unknown result variant %T", set))
	}
}

// fromIdentityIndexed walks a pre-built identity list and its evidence.
func (a *Aggregator) fromIdentityIndexed(r *domain.IdentityIndexedResult, reg *registry.Registry, stats *Stats) {
	wing := r.Run
	for _, entry := range r.Identities {
		if domain.NormalizeIdentity(entry.Value) == "" {
			stats.Skipped++
			continue
		}
		typ := entry.Type
		if typ == "" {
			typ = domain.IdentityTypeGeneric
		}
		refs := make([]domain.RecordReference, 0, len(entry.Evidence))
		for i, m := range entry.Evidence {
			if m == nil {
				stats.Skipped++
				continue
			}
			for sourceID, payload := range m.Records {
				refs = append(refs, domain.RecordReference{
					MatchID:     m.ID,
					SourceID:    sourceID,
					RecordIndex: i,
					Payload:     payload,
					WingID:      wing.RunID,
					WingName:    wing.RunName,
				})
			}
		}
		reg.Add(entry.Value, typ, refs...)
		stats.Aggregated++
	}
}

// fromMatchIndexed walks matches and discovers identities from the
// shortcut field or the well-known per-record field names, since no index
// was pre-built.
func (a *Aggregator) fromMatchIndexed(r *domain.MatchIndexedResult, reg *registry.Registry, stats *Stats) {
	wing := r.Run
	for i, m := range r.Matches {
		if m == nil {
			stats.Skipped++
			continue
		}
		if !a.aggregateMatch(m, i, wing, reg) {
			stats.Skipped++
			a.logger.Debug("Match contributed no identity",
				zap.Error(domain.ErrItemSkipped("match "+m.ID, nil)))
			continue
		}
		stats.Aggregated++
	}
}

// aggregateMatch extracts the match's identity and registers one reference
// per contained source record. Returns false when nothing identifiable was
// found.
func (a *Aggregator) aggregateMatch(m *domain.Match, ordinal int, wing domain.WingInfo, reg *registry.Registry) bool {
	value, typ := matchIdentity(m)
	if value == "" {
		return false
	}

	refs := make([]domain.RecordReference, 0, len(m.Records))
	for sourceID, payload := range m.Records {
		refs = append(refs, domain.RecordReference{
			MatchID:     m.ID,
			SourceID:    sourceID,
			RecordIndex: ordinal,
			Payload:     payload,
			WingID:      wing.RunID,
			WingName:    wing.RunName,
		})
	}
	if len(refs) == 0 {
		// Identity with no evidence records still counts, with a degraded
		// reference carrying only the match id.
		refs = append(refs, domain.RecordReference{
			MatchID:     m.ID,
			RecordIndex: ordinal,
			WingID:      wing.RunID,
			WingName:    wing.RunName,
		})
	}
	reg.Add(value, typ, refs...)
	return true
}

// fromStreamed pages matches out of the persisted store and applies the
// same discovery heuristics.
func (a *Aggregator) fromStreamed(ctx context.Context, r *domain.StreamedResult, reg *registry.Registry, stats *Stats) error {
	st, err := store.OpenReadOnly(r.StorePath, a.logger)
	if err != nil {
		return domain.ErrInvalidResultShape("store_path", err.Error())
	}
	defer st.Close()

	wing := r.Run
	for offset := 0; ; offset += streamPageSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("streamed aggregation cancelled: %w", err)
		}
		page, err := st.MatchPage(ctx, wing.RunID, offset, streamPageSize)
		if err != nil {
			return fmt.Errorf("reading match page at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			return nil
		}
		for i, m := range page {
			if !a.aggregateMatch(m, offset+i, wing, reg) {
				stats.Skipped++
				a.logger.Debug("Match contributed no identity",
					zap.Error(domain.ErrItemSkipped("match "+m.ID, nil)))
				continue
			}
			stats.Aggregated++
		}
	}
}

// matchIdentity derives a match's identity from the pre-extracted shortcut
// field first, then the field-priority scan over every source record.
func matchIdentity(m *domain.Match) (string, domain.IdentityType) {
	if domain.NormalizeIdentity(m.MatchedIdentity) != "" {
		typ := m.IdentityType
		if typ == "" {
			typ = domain.IdentityTypeGeneric
		}
		return m.MatchedIdentity, typ
	}

	// Field priority outranks source order: scan all sources for the
	// highest-priority field before moving to the next field name.
	sources := make([]string, 0, len(m.Records))
	for sourceID := range m.Records {
		sources = append(sources, sourceID)
	}
	sort.Strings(sources)

	for _, fc := range domain.IdentityFieldOrder {
		for _, sourceID := range sources {
			raw, ok := m.Records[sourceID][fc.Field]
			if !ok {
				continue
			}
			if s, ok := raw.(string); ok && domain.NormalizeIdentity(s) != "" {
				return s, fc.Type
			}
		}
	}
	return "", ""
}
