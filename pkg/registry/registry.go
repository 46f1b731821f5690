// Package registry holds the deduplicated index of identities discovered
// across correlation matches, with status tracking for the classification
// pass.
package registry

import (
	"sync"
	"time"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
)

// Registry owns the identity map plus derived indexes by type and by
// processing status. Every public mutation leaves the indexes consistent
// with the primary map.
type Registry struct {
	mu sync.RWMutex

	identities map[string]*domain.IdentityRecord
	byType     map[domain.IdentityType]map[string]struct{}
	byStatus   map[domain.ProcessingStatus]map[string]struct{}

	// Tracked incrementally so Statistics stays O(1).
	referenceCount int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		identities: make(map[string]*domain.IdentityRecord),
		byType:     make(map[domain.IdentityType]map[string]struct{}),
		byStatus:   make(map[domain.ProcessingStatus]map[string]struct{}),
	}
}

// Add registers an identity occurrence. A duplicate (type, normalized
// value) merges reference lists rather than creating a second record;
// duplicate (wing, source, index) references within one identity are
// suppressed. Returns the canonical record.
func (r *Registry) Add(value string, typ domain.IdentityType, refs ...domain.RecordReference) *domain.IdentityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.IdentityKey(value, typ)
	rec, ok := r.identities[key]
	if !ok {
		rec = domain.NewIdentityRecord(domain.NormalizeIdentity(value), typ)
		r.identities[key] = rec
		indexAdd(r.byType, typ, key)
		indexAdd(r.byStatus, rec.Status, key)
	}

	if len(refs) > 0 {
		seen := make(map[string]struct{}, len(rec.References))
		for _, existing := range rec.References {
			seen[existing.Key()] = struct{}{}
		}
		for _, ref := range refs {
			if _, dup := seen[ref.Key()]; dup {
				continue
			}
			seen[ref.Key()] = struct{}{}
			rec.References = append(rec.References, ref)
			r.referenceCount++
		}
	}
	return rec
}

// Get looks up an identity by value, optionally narrowed to one type. With
// no type given, the first matching type in field-priority order wins.
func (r *Registry) Get(value string, typ ...domain.IdentityType) (*domain.IdentityRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(typ) > 0 {
		rec, ok := r.identities[domain.IdentityKey(value, typ[0])]
		return rec, ok
	}
	for _, t := range []domain.IdentityType{
		domain.IdentityTypeFilePath,
		domain.IdentityTypeApplication,
		domain.IdentityTypeHash,
		domain.IdentityTypeUser,
		domain.IdentityTypeGeneric,
	} {
		if rec, ok := r.identities[domain.IdentityKey(value, t)]; ok {
			return rec, true
		}
	}
	return nil, false
}

// MarkProcessed transitions an identity to processed and attaches its
// classification data. The status index moves atomically with the record.
func (r *Registry) MarkProcessed(value string, typ domain.IdentityType, data map[string]domain.Classification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.IdentityKey(value, typ)
	rec, ok := r.identities[key]
	if !ok {
		return false
	}
	r.moveStatus(key, rec.Status, domain.StatusProcessed)
	rec.Status = domain.StatusProcessed
	if len(data) > 0 {
		if rec.Classifications == nil {
			rec.Classifications = make(map[string]domain.Classification, len(data))
		}
		now := time.Now().UTC()
		for ruleID, c := range data {
			if c.AppliedAt.IsZero() {
				c.AppliedAt = now
			}
			rec.Classifications[ruleID] = c
		}
	}
	return true
}

// MarkError transitions an identity to error with the captured message.
func (r *Registry) MarkError(value string, typ domain.IdentityType, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.IdentityKey(value, typ)
	rec, ok := r.identities[key]
	if !ok {
		return false
	}
	r.moveStatus(key, rec.Status, domain.StatusError)
	rec.Status = domain.StatusError
	rec.Error = message
	return true
}

// Pending returns the identities still awaiting classification.
func (r *Registry) Pending() []*domain.IdentityRecord { return r.byStatusView(domain.StatusPending) }

// Processed returns the identities classified this run.
func (r *Registry) Processed() []*domain.IdentityRecord {
	return r.byStatusView(domain.StatusProcessed)
}

// Errored returns the identities that failed classification.
func (r *Registry) Errored() []*domain.IdentityRecord { return r.byStatusView(domain.StatusError) }

// ByType returns all identities of one type.
func (r *Registry) ByType(typ domain.IdentityType) []*domain.IdentityRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byType[typ]
	out := make([]*domain.IdentityRecord, 0, len(keys))
	for key := range keys {
		out = append(out, r.identities[key])
	}
	return out
}

// All returns every identity record.
func (r *Registry) All() []*domain.IdentityRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.IdentityRecord, 0, len(r.identities))
	for _, rec := range r.identities {
		out = append(out, rec)
	}
	return out
}

// Len returns the identity count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// Clear drops all identities and indexes.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.identities = make(map[string]*domain.IdentityRecord)
	r.byType = make(map[domain.IdentityType]map[string]struct{})
	r.byStatus = make(map[domain.ProcessingStatus]map[string]struct{})
	r.referenceCount = 0
}

// Statistics reports registry-level counts in O(1) except for the status
// tallies, which read the status index directly.
type Statistics struct {
	Identities         int     `json:"identities"`
	References         int     `json:"references"`
	Pending            int     `json:"pending"`
	Processed          int     `json:"processed"`
	Errored            int     `json:"errored"`
	AvgRecordsPerID    float64 `json:"avg_records_per_identity"`
	CompletionPercent  float64 `json:"completion_percent"`
	ClassifiedEntities int     `json:"classified_identities"`
}

// Statistics returns current counts and completion.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		Identities: len(r.identities),
		References: r.referenceCount,
		Pending:    len(r.byStatus[domain.StatusPending]),
		Processed:  len(r.byStatus[domain.StatusProcessed]),
		Errored:    len(r.byStatus[domain.StatusError]),
	}
	for _, rec := range r.identities {
		if len(rec.Classifications) > 0 {
			stats.ClassifiedEntities++
		}
	}
	if stats.Identities > 0 {
		stats.AvgRecordsPerID = float64(stats.References) / float64(stats.Identities)
		stats.CompletionPercent = float64(stats.Processed+stats.Errored) / float64(stats.Identities) * 100
	}
	return stats
}

// byStatusView reads through the status index, falling back to a full scan
// if the index has drifted from the primary map. Stale index hits must
// never leak out.
func (r *Registry) byStatusView(status domain.ProcessingStatus) []*domain.IdentityRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byStatus[status]
	out := make([]*domain.IdentityRecord, 0, len(keys))
	consistent := true
	for key := range keys {
		rec, ok := r.identities[key]
		if !ok || rec.Status != status {
			consistent = false
			break
		}
		out = append(out, rec)
	}
	if consistent {
		return out
	}
	out = out[:0]
	for _, rec := range r.identities {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

func indexAdd[K comparable](idx map[K]map[string]struct{}, k K, key string) {
	set, ok := idx[k]
	if !ok {
		set = make(map[string]struct{})
		idx[k] = set
	}
	set[key] = struct{}{}
}

func (r *Registry) moveStatus(key string, from, to domain.ProcessingStatus) {
	if set, ok := r.byStatus[from]; ok {
		delete(set, key)
	}
	indexAdd(r.byStatus, to, key)
}
