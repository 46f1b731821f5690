// Package propagator writes identity-level classification data back onto
// every match that references the identity, for in-memory result objects
// and for persisted stores.
package propagator

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/registry"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/store"
)

const minStreamBatch = 50

// Stats summarizes one propagation pass.
type Stats struct {
	MatchesVisited  int `json:"matches_visited"`
	MatchesEnhanced int `json:"matches_enhanced"`
	Entries         int `json:"entries_applied"`
	Batches         int `json:"batches"`
	FailedBatches   int `json:"failed_batches"`
}

// Propagator distributes classification data from a registry to matches.
type Propagator struct {
	logger *zap.Logger
}

// New creates a propagator.
func New(logger *zap.Logger) *Propagator {
	return &Propagator{logger: logger}
}

// reverseIndex maps record references back to their classified identities.
// Lookups try the match id, then the exact (wing, source, index) key, then
// the degraded (wing, source) key for inputs without a precise index.
type reverseIndex struct {
	byMatch    map[string][]*domain.IdentityRecord
	byExact    map[string][]*domain.IdentityRecord
	byDegraded map[string][]*domain.IdentityRecord
}

func buildReverseIndex(reg *registry.Registry) *reverseIndex {
	idx := &reverseIndex{
		byMatch:    make(map[string][]*domain.IdentityRecord),
		byExact:    make(map[string][]*domain.IdentityRecord),
		byDegraded: make(map[string][]*domain.IdentityRecord),
	}
	for _, rec := range reg.Processed() {
		if len(rec.Classifications) == 0 {
			continue
		}
		for _, ref := range rec.References {
			if ref.MatchID != "" {
				idx.byMatch[ref.MatchID] = appendUnique(idx.byMatch[ref.MatchID], rec)
			}
			idx.byExact[ref.Key()] = appendUnique(idx.byExact[ref.Key()], rec)
			idx.byDegraded[ref.DegradedKey()] = appendUnique(idx.byDegraded[ref.DegradedKey()], rec)
		}
	}
	return idx
}

func appendUnique(list []*domain.IdentityRecord, rec *domain.IdentityRecord) []*domain.IdentityRecord {
	for _, existing := range list {
		if existing == rec {
			return list
		}
	}
	return append(list, rec)
}

// lookup resolves the identities referencing a match.
func (idx *reverseIndex) lookup(m *domain.Match, wingID string, ordinal int) []*domain.IdentityRecord {
	if recs := idx.byMatch[m.ID]; len(recs) > 0 {
		return recs
	}
	var out []*domain.IdentityRecord
	for sourceID := range m.Records {
		exact := wingID + "|" + sourceID + "|" + strconv.Itoa(ordinal)
		if recs := idx.byExact[exact]; len(recs) > 0 {
			for _, r := range recs {
				out = appendUnique(out, r)
			}
			continue
		}
		for _, r := range idx.byDegraded[wingID+"|"+sourceID] {
			out = appendUnique(out, r)
		}
	}
	return out
}

// classificationsOf flattens the identities' classification maps into one
// merge payload.
func classificationsOf(recs []*domain.IdentityRecord) map[string]domain.Classification {
	if len(recs) == 0 {
		return nil
	}
	out := make(map[string]domain.Classification)
	for _, rec := range recs {
		for ruleID, c := range rec.Classifications {
			if _, ok := out[ruleID]; !ok {
				out[ruleID] = c
			}
		}
	}
	return out
}

// PropagateInMemory walks an in-memory result set and merges classification
// data into every match referencing a classified identity.
func (p *Propagator) PropagateInMemory(reg *registry.Registry, set domain.ResultSet) (*Stats, error) {
	stats := &Stats{}
	idx := buildReverseIndex(reg)
	wing := set.Wing()

	switch r := set.(type) {
	case *domain.MatchIndexedResult:
		p.propagateMatches(idx, wing.RunID, r.Matches, stats)
	case *domain.IdentityIndexedResult:
		for _, entry := range r.Identities {
			p.propagateMatches(idx, wing.RunID, entry.Evidence, stats)
		}
	default:
		return stats, domain.ErrInvalidResultShape("result",
			fmt.Sprintf("in-memory propagation does not apply to %T", set))
	}

	p.logger.Info("In-memory propagation complete",
		zap.String("run_id", wing.RunID),
		zap.Int("matches_visited", stats.MatchesVisited),
		zap.Int("matches_enhanced", stats.MatchesEnhanced),
		zap.Int("entries", stats.Entries))
	return stats, nil
}

func (p *Propagator) propagateMatches(idx *reverseIndex, wingID string, matches []*domain.Match, stats *Stats) {
	for i, m := range matches {
		if m == nil {
			continue
		}
		stats.MatchesVisited++
		entries := classificationsOf(idx.lookup(m, wingID, i))
		if len(entries) == 0 {
			continue
		}
		if added := m.MergeClassifications(entries); added > 0 {
			stats.MatchesEnhanced++
			stats.Entries += added
		}
	}
}

// PropagateStreamed reads matches back from the persisted store in pages,
// merges classification data, and writes updates in batches sized to
// roughly ten percent of the run so memory stays bounded. Each batch
// commits independently; a failed batch is counted and the run continues.
func (p *Propagator) PropagateStreamed(ctx context.Context, st *store.Store, runID string, reg *registry.Registry) (*Stats, error) {
	stats := &Stats{}
	idx := buildReverseIndex(reg)

	total, err := st.CountMatches(ctx, runID)
	if err != nil {
		return stats, fmt.Errorf("counting matches for run %s: %w", runID, err)
	}
	if total == 0 {
		return stats, nil
	}

	batchSize := total / 10
	if batchSize < minStreamBatch {
		batchSize = minStreamBatch
	}

	pending := make(map[string]map[string]domain.Classification, batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		stats.Batches++
		n, err := st.ApplyClassifications(ctx, pending)
		if err != nil {
			stats.FailedBatches++
			p.logger.Error("Propagation batch commit failed, continuing",
				zap.Error(domain.ErrBatchWriteFailed(stats.Batches, err)))
		} else {
			stats.MatchesEnhanced += n
		}
		pending = make(map[string]map[string]domain.Classification, batchSize)
	}

	for offset := 0; offset < total; offset += batchSize {
		if err := ctx.Err(); err != nil {
			flush()
			return stats, fmt.Errorf("streamed propagation cancelled: %w", err)
		}
		page, err := st.MatchPage(ctx, runID, offset, batchSize)
		if err != nil {
			return stats, fmt.Errorf("reading match page at offset %d: %w", offset, err)
		}
		for i, m := range page {
			stats.MatchesVisited++
			entries := classificationsOf(idx.lookup(m, runID, offset+i))
			if len(entries) == 0 {
				continue
			}
			stats.Entries += len(entries)
			pending[m.ID] = entries
		}
		flush()
	}

	p.logger.Info("Streamed propagation complete",
		zap.String("run_id", runID),
		zap.Int("matches_visited", stats.MatchesVisited),
		zap.Int("matches_enhanced", stats.MatchesEnhanced),
		zap.Int("batches", stats.Batches),
		zap.Int("failed_batches", stats.FailedBatches))
	return stats, nil
}

// Validate checks the propagation consistency property: if any processed
// identity carries classification data, at least one match must too.
func (p *Propagator) Validate(reg *registry.Registry, set domain.ResultSet) error {
	classified := 0
	for _, rec := range reg.Processed() {
		if len(rec.Classifications) > 0 {
			classified++
		}
	}
	if classified == 0 {
		return nil
	}

	var matches []*domain.Match
	switch r := set.(type) {
	case *domain.MatchIndexedResult:
		matches = r.Matches
	case *domain.IdentityIndexedResult:
		for _, entry := range r.Identities {
			matches = append(matches, entry.Evidence...)
		}
	default:
		return nil
	}

	for _, m := range matches {
		if m != nil && len(m.Classifications) > 0 {
			return nil
		}
	}
	return fmt.Errorf("inconsistent propagation: %d classified identities but no match carries classification data", classified)
}
