package aggregator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/store"
)

func matchIndexed(runID string, matches ...*domain.Match) *domain.MatchIndexedResult {
	return &domain.MatchIndexedResult{
		Run:     domain.WingInfo{RunID: runID, RunName: "wing " + runID, Engine: "time_window"},
		Matches: matches,
	}
}

func TestAggregate_MatchIndexedDiscovery(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	set := matchIndexed("run-1",
		&domain.Match{ID: "m1", Records: map[string]map[string]any{
			"prefetch": {"process_name": "chrome.exe"},
		}},
		&domain.Match{ID: "m2", Records: map[string]map[string]any{
			"srum": {"application": "CHROME.EXE"},
		}},
		&domain.Match{ID: "m3", Records: map[string]map[string]any{
			"mft": {"full_path": "C:\\Temp\\dropper.exe"},
		}},
		&domain.Match{ID: "m4", Records: map[string]map[string]any{
			"shimcache": {"irrelevant": 42},
		}},
	)

	reg, stats := a.Aggregate(context.Background(), []domain.ResultSet{set})

	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 3, stats.Aggregated)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Errors)

	chrome, ok := reg.Get("chrome.exe", domain.IdentityTypeApplication)
	require.True(t, ok)
	assert.Len(t, chrome.References, 2)

	dropper, ok := reg.Get("C:\\Temp\\dropper.exe", domain.IdentityTypeFilePath)
	require.True(t, ok)
	assert.Len(t, dropper.References, 1)
}

func TestAggregate_FieldPriorityOrder(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	// file_path outranks process_name even when both are present.
	set := matchIndexed("run-1", &domain.Match{ID: "m1", Records: map[string]map[string]any{
		"prefetch": {"process_name": "chrome.exe", "file_path": "C:\\x\\chrome.exe"},
	}})
	reg, _ := a.Aggregate(context.Background(), []domain.ResultSet{set})

	rec, ok := reg.Get("C:\\x\\chrome.exe", domain.IdentityTypeFilePath)
	require.True(t, ok)
	assert.Equal(t, domain.IdentityTypeFilePath, rec.Type)
	assert.Equal(t, 1, reg.Len())
}

func TestAggregate_ShortcutFieldWins(t *testing.T) {
	a := New(zaptest.NewLogger(t))
	set := matchIndexed("run-1", &domain.Match{
		ID:              "m1",
		MatchedIdentity: "psexec.exe",
		IdentityType:    domain.IdentityTypeApplication,
		Records: map[string]map[string]any{
			"mft": {"file_path": "C:\\other.exe"},
		},
	})
	reg, _ := a.Aggregate(context.Background(), []domain.ResultSet{set})

	_, ok := reg.Get("psexec.exe", domain.IdentityTypeApplication)
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestAggregate_IdentityIndexed(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	set := &domain.IdentityIndexedResult{
		Run: domain.WingInfo{RunID: "run-2"},
		Identities: []domain.IdentityEntry{
			{
				Value: "svchost.exe",
				Type:  domain.IdentityTypeApplication,
				Evidence: []*domain.Match{
					{ID: "m1", Records: map[string]map[string]any{"prefetch": {"process_name": "svchost.exe"}}},
					{ID: "m2", Records: map[string]map[string]any{"srum": {"application": "svchost.exe"}}},
				},
			},
			{Value: "   ", Type: domain.IdentityTypeApplication},
		},
	}

	reg, stats := a.Aggregate(context.Background(), []domain.ResultSet{set})
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, stats.Aggregated)
	assert.Equal(t, 1, stats.Skipped)

	rec, ok := reg.Get("svchost.exe", domain.IdentityTypeApplication)
	require.True(t, ok)
	assert.Len(t, rec.References, 2)
}

func TestAggregate_MalformedResultYieldsEmptyRegistryAndError(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	tests := []struct {
		name string
		set  domain.ResultSet
	}{
		{"nil matches collection", &domain.MatchIndexedResult{Run: domain.WingInfo{RunID: "r"}}},
		{"nil identities collection", &domain.IdentityIndexedResult{Run: domain.WingInfo{RunID: "r"}}},
		{"missing run id", matchIndexed("", &domain.Match{ID: "m1"})},
		{"streamed without path", &domain.StreamedResult{Run: domain.WingInfo{RunID: "r"}}},
		{"nil set", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, stats := a.Aggregate(context.Background(), []domain.ResultSet{tt.set})
			require.NotNil(t, reg)
			assert.Equal(t, 0, reg.Len())
			assert.Equal(t, 1, stats.Errors)
			require.Len(t, stats.Messages, 1)
		})
	}
}

func TestAggregate_MultiWingConsolidation(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	setA := matchIndexed("wing-a", &domain.Match{ID: "a1", Records: map[string]map[string]any{
		"prefetch": {"process_name": "svchost.exe"},
	}})
	setB := matchIndexed("wing-b", &domain.Match{ID: "b1", Records: map[string]map[string]any{
		"srum": {"application": "SVCHOST.EXE"},
	}})

	reg, stats := a.Aggregate(context.Background(), []domain.ResultSet{setA, setB})
	require.Equal(t, 1, reg.Len())
	assert.Equal(t, 2, stats.Aggregated)

	rec, ok := reg.Get("svchost.exe", domain.IdentityTypeApplication)
	require.True(t, ok)
	require.Len(t, rec.References, 2)

	wings := map[string]bool{}
	for _, ref := range rec.References {
		wings[ref.WingID] = true
	}
	assert.True(t, wings["wing-a"], "evidence must be tagged with wing-a")
	assert.True(t, wings["wing-b"], "evidence must be tagged with wing-b")
}

func TestAggregate_OneBadSetDoesNotAbortBatch(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	good := matchIndexed("run-ok", &domain.Match{ID: "m1", Records: map[string]map[string]any{
		"prefetch": {"process_name": "chrome.exe"},
	}})
	bad := &domain.MatchIndexedResult{Run: domain.WingInfo{RunID: "run-bad"}}

	reg, stats := a.Aggregate(context.Background(), []domain.ResultSet{bad, good})
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Aggregated)
}

func seedStreamedRun(t *testing.T, runID string) (string, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "case.db")
	st, err := store.Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, domain.WingInfo{RunID: runID}, "case"))
	require.NoError(t, st.CreateResult(ctx, runID+"-r", runID, "identity"))
	require.NoError(t, st.InsertMatches(ctx, runID, runID+"-r", []*domain.Match{
		{ID: "s1", Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}}},
		{ID: "s2", MatchedIdentity: "psexec.exe", IdentityType: domain.IdentityTypeApplication,
			Records: map[string]map[string]any{"srum": {"application": "psexec.exe"}}},
		{ID: "s3", Records: map[string]map[string]any{"shimcache": {"nothing": 1}}},
	}))
	return path, st
}

func TestAggregate_Streamed(t *testing.T) {
	a := New(zaptest.NewLogger(t))
	path, _ := seedStreamedRun(t, "run-s")

	set := &domain.StreamedResult{
		Run:       domain.WingInfo{RunID: "run-s", RunName: "streamed wing"},
		StorePath: path,
	}
	reg, stats := a.Aggregate(context.Background(), []domain.ResultSet{set})

	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2, stats.Aggregated)
	assert.Equal(t, 1, stats.Skipped)

	rec, ok := reg.Get("chrome.exe", domain.IdentityTypeApplication)
	require.True(t, ok)
	assert.Equal(t, "run-s", rec.References[0].WingID)
}

func TestWriteBackIdentities(t *testing.T) {
	a := New(zaptest.NewLogger(t))
	_, st := seedStreamedRun(t, "run-w")
	ctx := context.Background()

	n, err := a.WriteBackIdentities(ctx, st, "run-w", false)
	require.NoError(t, err)
	// s2 already has a shortcut identity; s3 has nothing extractable.
	assert.Equal(t, 1, n)

	got, err := st.MatchesByIDs(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, "chrome.exe", got[0].MatchedIdentity)
	assert.Equal(t, domain.IdentityTypeApplication, got[0].IdentityType)

	// Re-running without force is a no-op.
	n, err = a.WriteBackIdentities(ctx, st, "run-w", false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
