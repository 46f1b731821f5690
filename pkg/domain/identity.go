package domain

import (
	"strconv"
	"strings"
	"time"
)

// IdentityType categorizes what kind of real-world entity an identity value
// refers to. The type participates in the dedup key, so "chrome.exe" the
// application and "chrome.exe" the file path are distinct identities.
type IdentityType string

const (
	IdentityTypeFilePath    IdentityType = "file_path"
	IdentityTypeApplication IdentityType = "application"
	IdentityTypeHash        IdentityType = "hash"
	IdentityTypeUser        IdentityType = "user"
	IdentityTypeGeneric     IdentityType = "generic"
)

// ProcessingStatus tracks where an identity is in the classification
// lifecycle. Transitions are pending -> processed or pending -> error,
// at most once per run.
type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusProcessed ProcessingStatus = "processed"
	StatusError     ProcessingStatus = "error"
)

// RecordReference is an immutable pointer to one source record that
// mentioned an identity. The payload is the original record as emitted by
// the feather, kept opaque. Wing fields attribute the evidence to the
// correlation run that produced it.
type RecordReference struct {
	MatchID     string         `json:"match_id"`
	SourceID    string         `json:"source_id"`
	RecordIndex int            `json:"record_index"`
	Payload     map[string]any `json:"payload,omitempty"`
	WingID      string         `json:"wing_id,omitempty"`
	WingName    string         `json:"wing_name,omitempty"`
}

// Key returns the exact reference key (run, source, index). Used for
// duplicate suppression when merging reference lists.
func (r RecordReference) Key() string {
	return r.WingID + "|" + r.SourceID + "|" + strconv.Itoa(r.RecordIndex)
}

// DegradedKey drops the record index for inputs that never carried one.
func (r RecordReference) DegradedKey() string {
	return r.WingID + "|" + r.SourceID
}

// Classification is one rule-derived label attached to an identity or match.
type Classification struct {
	Label      string    `json:"label"`
	Value      string    `json:"value"`
	Category   string    `json:"category,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	RuleID     string    `json:"rule_id"`
	AppliedAt  time.Time `json:"applied_at,omitempty"`
}

// IdentityRecord is the unit of dedup: one normalized (type, value) pair,
// every record that referenced it, and the classification outcome.
type IdentityRecord struct {
	Value           string
	Type            IdentityType
	References      []RecordReference
	Status          ProcessingStatus
	Error           string
	Classifications map[string]Classification // keyed by rule id
}

// NewIdentityRecord creates a pending record for value/typ with no evidence.
func NewIdentityRecord(value string, typ IdentityType) *IdentityRecord {
	return &IdentityRecord{
		Value:  value,
		Type:   typ,
		Status: StatusPending,
	}
}

// NormalizeIdentity case-folds and trims an identity value so that
// "CHROME.EXE" and "chrome.exe " collide under one registry key.
func NormalizeIdentity(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// IdentityKey builds the registry key for a (type, value) pair.
func IdentityKey(value string, typ IdentityType) string {
	return string(typ) + "|" + NormalizeIdentity(value)
}
