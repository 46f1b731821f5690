package domain

// Match is one upstream correlation match: a cluster of records from
// different feathers grouped by time proximity or shared identity.
// Records is keyed by source id. Classifications is append-only; this core
// merges into it and never destructively overwrites prior entries.
type Match struct {
	ID              string                    `json:"id"`
	Records         map[string]map[string]any `json:"records"`
	MatchedIdentity string                    `json:"matched_identity,omitempty"`
	IdentityType    IdentityType              `json:"identity_type,omitempty"`
	Classifications map[string]Classification `json:"classifications,omitempty"`
}

// MergeClassifications appends entries into the match's classification
// slot without disturbing existing ones. Existing rule ids win.
func (m *Match) MergeClassifications(entries map[string]Classification) int {
	if len(entries) == 0 {
		return 0
	}
	if m.Classifications == nil {
		m.Classifications = make(map[string]Classification, len(entries))
	}
	added := 0
	for ruleID, c := range entries {
		if _, exists := m.Classifications[ruleID]; exists {
			continue
		}
		m.Classifications[ruleID] = c
		added++
	}
	return added
}

// IdentityEntry is one entry of an identity-indexed engine's output: the
// identity plus the matches that evidence it.
type IdentityEntry struct {
	Value    string       `json:"value"`
	Type     IdentityType `json:"type"`
	Evidence []*Match     `json:"evidence"`
}

// WingInfo identifies the correlation run (wing) a result set came from.
type WingInfo struct {
	RunID   string `json:"run_id"`
	RunName string `json:"run_name,omitempty"`
	Engine  string `json:"engine,omitempty"`
}

// ResultSet is the polymorphic upstream contract. Exactly three shapes
// exist, one per upstream engine family; the aggregator selects an
// extraction strategy by type switch rather than probing fields.
type ResultSet interface {
	Wing() WingInfo
	// Streamed reports whether the results live in a persisted store
	// rather than in memory.
	Streamed() bool
}

// IdentityIndexedResult is produced by identity-clustering engines that
// already built a per-identity index.
type IdentityIndexedResult struct {
	Run        WingInfo
	Identities []IdentityEntry
}

func (r *IdentityIndexedResult) Wing() WingInfo { return r.Run }
func (r *IdentityIndexedResult) Streamed() bool { return false }

// MatchIndexedResult is produced by time-window engines: matches only, no
// identity index. Identities are discovered by scanning known
// identity-bearing fields.
type MatchIndexedResult struct {
	Run     WingInfo
	Matches []*Match
}

func (r *MatchIndexedResult) Wing() WingInfo { return r.Run }
func (r *MatchIndexedResult) Streamed() bool { return false }

// StreamedResult points at matches persisted to a store during correlation,
// used when datasets are too large to hold in memory.
type StreamedResult struct {
	Run       WingInfo
	StorePath string
}

func (r *StreamedResult) Wing() WingInfo { return r.Run }
func (r *StreamedResult) Streamed() bool { return true }
