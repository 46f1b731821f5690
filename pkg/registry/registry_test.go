package registry

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
)

func ref(wing, source string, idx int) domain.RecordReference {
	return domain.RecordReference{
		MatchID:     "m-" + source + "-" + strconv.Itoa(idx),
		SourceID:    source,
		RecordIndex: idx,
		WingID:      wing,
	}
}

func TestAdd_DedupByNormalizedKey(t *testing.T) {
	tests := []struct {
		name   string
		inputs []string
	}{
		{"case folding", []string{"CHROME.EXE", "chrome.exe", "Chrome.Exe"}},
		{"whitespace trim", []string{"chrome.exe ", " chrome.exe", "chrome.exe"}},
		{"mixed", []string{"CHROME.EXE ", "chrome.exe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			for i, v := range tt.inputs {
				r.Add(v, domain.IdentityTypeApplication, ref("w1", "prefetch", i))
			}
			require.Equal(t, 1, r.Len())

			rec, ok := r.Get("chrome.exe", domain.IdentityTypeApplication)
			require.True(t, ok)
			assert.Equal(t, "chrome.exe", rec.Value)
			assert.Len(t, rec.References, len(tt.inputs))
		})
	}
}

func TestAdd_DuplicateReferencesSuppressed(t *testing.T) {
	r := New()
	same := ref("w1", "srum", 3)
	r.Add("svchost.exe", domain.IdentityTypeApplication, same)
	r.Add("SVCHOST.EXE", domain.IdentityTypeApplication, same)
	r.Add("svchost.exe", domain.IdentityTypeApplication, ref("w1", "srum", 4))

	rec, ok := r.Get("svchost.exe", domain.IdentityTypeApplication)
	require.True(t, ok)
	assert.Len(t, rec.References, 2)
	assert.Equal(t, 2, r.Statistics().References)
}

func TestAdd_TypeParticipatesInKey(t *testing.T) {
	r := New()
	r.Add("chrome.exe", domain.IdentityTypeApplication)
	r.Add("chrome.exe", domain.IdentityTypeFilePath)

	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.ByType(domain.IdentityTypeApplication), 1)
	assert.Len(t, r.ByType(domain.IdentityTypeFilePath), 1)
}

func TestMarkProcessed_MovesStatusIndex(t *testing.T) {
	r := New()
	r.Add("chrome.exe", domain.IdentityTypeApplication, ref("w1", "prefetch", 0))
	r.Add("evil.exe", domain.IdentityTypeApplication, ref("w1", "mft", 1))

	require.Len(t, r.Pending(), 2)

	ok := r.MarkProcessed("CHROME.EXE", domain.IdentityTypeApplication, map[string]domain.Classification{
		"rule-browser": {Label: "Browser Activity", Value: "chrome.exe", RuleID: "rule-browser"},
	})
	require.True(t, ok)

	assert.Len(t, r.Pending(), 1)
	require.Len(t, r.Processed(), 1)

	rec := r.Processed()[0]
	assert.Equal(t, domain.StatusProcessed, rec.Status)
	require.Contains(t, rec.Classifications, "rule-browser")
	assert.Equal(t, "Browser Activity", rec.Classifications["rule-browser"].Label)
	assert.False(t, rec.Classifications["rule-browser"].AppliedAt.IsZero())
}

func TestMarkError_CapturesMessage(t *testing.T) {
	r := New()
	r.Add("bad.exe", domain.IdentityTypeApplication)

	require.True(t, r.MarkError("bad.exe", domain.IdentityTypeApplication, "pattern blew up"))
	require.Len(t, r.Errored(), 1)
	assert.Equal(t, "pattern blew up", r.Errored()[0].Error)
	assert.Empty(t, r.Pending())
}

func TestMark_UnknownIdentity(t *testing.T) {
	r := New()
	assert.False(t, r.MarkProcessed("ghost.exe", domain.IdentityTypeApplication, nil))
	assert.False(t, r.MarkError("ghost.exe", domain.IdentityTypeApplication, "x"))
}

func TestStatistics(t *testing.T) {
	r := New()
	r.Add("a.exe", domain.IdentityTypeApplication, ref("w1", "s1", 0), ref("w1", "s2", 0))
	r.Add("b.exe", domain.IdentityTypeApplication, ref("w1", "s1", 1))
	r.MarkProcessed("a.exe", domain.IdentityTypeApplication, map[string]domain.Classification{
		"r1": {Label: "L", RuleID: "r1"},
	})

	stats := r.Statistics()
	assert.Equal(t, 2, stats.Identities)
	assert.Equal(t, 3, stats.References)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.ClassifiedEntities)
	assert.InDelta(t, 1.5, stats.AvgRecordsPerID, 0.001)
	assert.InDelta(t, 50.0, stats.CompletionPercent, 0.001)
}

func TestStatusView_FallsBackOnDriftedIndex(t *testing.T) {
	r := New()
	rec := r.Add("a.exe", domain.IdentityTypeApplication)

	// Mutate the record behind the registry's back to force index drift.
	rec.Status = domain.StatusProcessed

	// The pending index still holds the key; the view must not return a
	// record whose status disagrees.
	pending := r.Pending()
	assert.Empty(t, pending)
}

func TestClear(t *testing.T) {
	r := New()
	r.Add("a.exe", domain.IdentityTypeApplication, ref("w1", "s1", 0))
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Statistics().References)
	assert.Empty(t, r.Pending())
}

func TestGet_WithoutType(t *testing.T) {
	r := New()
	r.Add("c:\\tools\\pse.exe", domain.IdentityTypeFilePath)

	rec, ok := r.Get("C:\\tools\\pse.exe")
	require.True(t, ok)
	assert.Equal(t, domain.IdentityTypeFilePath, rec.Type)
}
