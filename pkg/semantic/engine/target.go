package engine

import (
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
)

// Target is the record a rule condition is evaluated against: a shortcut
// layer (pre-extracted identity fields), per-source record payloads, and a
// last-resort view of every string value in the payload.
type Target struct {
	Shortcut map[string]string
	Sources  map[string]map[string]any

	allStrings []string
	collected  bool
}

// MatchTarget builds an evaluation target from a persisted or in-memory
// match.
func MatchTarget(m *domain.Match) *Target {
	t := &Target{Sources: m.Records}
	if m.MatchedIdentity != "" {
		t.Shortcut = map[string]string{
			domain.MatchedIdentityField: m.MatchedIdentity,
			"identity_type":             string(m.IdentityType),
		}
	}
	return t
}

// IdentityTarget builds a synthetic target for a bare identity: the value
// is seeded under every field name a rule might reference, so rules written
// against record fields still match at identity granularity.
func IdentityTarget(rec *domain.IdentityRecord) *Target {
	seeded := make(map[string]any, len(domain.IdentityFieldOrder)+2)
	for _, name := range domain.IdentityFieldNames() {
		seeded[name] = rec.Value
	}
	seeded["identity_type"] = string(rec.Type)
	return &Target{
		Shortcut: map[string]string{
			domain.MatchedIdentityField: rec.Value,
			"identity_type":             string(rec.Type),
		},
		Sources: map[string]map[string]any{"identity": seeded},
	}
}

// FieldValues resolves a condition's field through the three fallback
// layers in order: shortcut field, named field in any per-source record,
// then nothing (the caller falls back to AllStrings).
func (t *Target) FieldValues(field string) []string {
	var out []string
	if v, ok := t.Shortcut[field]; ok && v != "" {
		out = append(out, v)
	}
	for _, payload := range t.Sources {
		if raw, ok := payload[field]; ok {
			if s, ok := raw.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// AllStrings returns every string value anywhere in the target, for the
// last-resort substring/regex scan. Computed once per target.
func (t *Target) AllStrings() []string {
	if t.collected {
		return t.allStrings
	}
	t.collected = true
	for _, v := range t.Shortcut {
		if v != "" {
			t.allStrings = append(t.allStrings, v)
		}
	}
	for _, payload := range t.Sources {
		for _, raw := range payload {
			collectStrings(raw, &t.allStrings)
		}
	}
	return t.allStrings
}

func collectStrings(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		if val != "" {
			*out = append(*out, val)
		}
	case []any:
		for _, item := range val {
			collectStrings(item, out)
		}
	case map[string]any:
		for _, item := range val {
			collectStrings(item, out)
		}
	}
}
