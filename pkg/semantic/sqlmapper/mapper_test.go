package sqlmapper

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/engine"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/store"
)

func newMapper(t *testing.T, cfg *semantic.Config) *Mapper {
	t.Helper()
	if cfg == nil {
		cfg = semantic.DefaultConfig()
	}
	ev, err := engine.NewEvaluator(cfg.PatternCacheSize, zaptest.NewLogger(t))
	require.NoError(t, err)
	return New(cfg, ev, nil, zaptest.NewLogger(t))
}

func seedStore(t *testing.T, matches []*domain.Match) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "case.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, domain.WingInfo{RunID: "run-1"}, "case"))
	require.NoError(t, st.CreateResult(ctx, "res-1", "run-1", "time_window"))
	require.NoError(t, st.InsertMatches(ctx, "run-1", "res-1", matches))
	return st
}

func browserRule() domain.SemanticRule {
	return domain.SemanticRule{
		ID:       "r-browser",
		Label:    "Browser Activity",
		Category: "user_activity",
		Severity: "info",
		Conditions: []domain.RuleCondition{
			{Field: "process_name", Operator: domain.OperatorContains, Pattern: "chrome"},
		},
	}
}

func TestRun_EndToEnd(t *testing.T) {
	matches := []*domain.Match{
		{ID: "m1", Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}}},
		{ID: "m2", Records: map[string]map[string]any{"srum": {"process_name": "CHROME.EXE"}}},
		{ID: "m3", Records: map[string]map[string]any{"mft": {"process_name": "notepad.exe"}}},
	}
	st := seedStore(t, matches)
	m := newMapper(t, nil)

	report, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{browserRule()})
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalMatches)
	assert.True(t, report.PrefilterUsed)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 2, report.MatchedMatches)
	assert.Equal(t, 2, report.ClassificationsApplied)
	assert.Equal(t, 0, report.FailedBatches)
	assert.Equal(t, 2, report.PatternHits["r-browser"])
	assert.InDelta(t, 100.0, report.CoveragePercent, 0.001)

	got, err := st.MatchesByIDs(context.Background(), []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	for _, match := range got {
		if match.ID == "m3" {
			assert.Empty(t, match.Classifications)
			continue
		}
		require.Contains(t, match.Classifications, "r-browser")
		assert.Equal(t, "Browser Activity", match.Classifications["r-browser"].Label)
	}
}

func TestRun_FallbackWhenPrefilterFindsNothing(t *testing.T) {
	// The rule's only literal term ("hro") is a substring of a token, so
	// the FTS query finds no candidates even though a contains-match
	// exists. The engine must fall back to evaluating every match.
	matches := []*domain.Match{
		{ID: "m1", Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}}},
		{ID: "m2", Records: map[string]map[string]any{"srum": {"process_name": "svchost.exe"}}},
	}
	st := seedStore(t, matches)
	m := newMapper(t, nil)

	rule := domain.SemanticRule{
		ID:    "r-substring",
		Label: "Substring Rule",
		Conditions: []domain.RuleCondition{
			{Field: "process_name", Operator: domain.OperatorContains, Pattern: "hro"},
		},
	}
	report, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{rule})
	require.NoError(t, err)

	assert.False(t, report.PrefilterUsed)
	assert.Equal(t, 2, report.Candidates, "fallback must evaluate all matches")
	assert.Equal(t, 1, report.MatchedMatches)
}

func TestRun_FallbackWhenNoUsableTerms(t *testing.T) {
	matches := []*domain.Match{
		{ID: "m1", Records: map[string]map[string]any{"prefetch": {"process_name": "ab.exe"}}},
	}
	st := seedStore(t, matches)
	m := newMapper(t, nil)

	// Pattern yields only sub-3-char tokens; no pre-filter possible.
	rule := domain.SemanticRule{
		ID:    "r-short",
		Label: "Short",
		Conditions: []domain.RuleCondition{
			{Field: "process_name", Operator: domain.OperatorContains, Pattern: "ab"},
		},
	}
	report, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{rule})
	require.NoError(t, err)
	assert.False(t, report.PrefilterUsed)
	assert.Equal(t, 1, report.MatchedMatches)
}

func TestRun_DefaultMinIndicatorsApplied(t *testing.T) {
	matches := []*domain.Match{
		{ID: "m1", Records: map[string]map[string]any{"prefetch": {
			"process_name": "dropper.exe",
		}}},
	}
	st := seedStore(t, matches)
	m := newMapper(t, nil)

	// Declares the policy without a threshold; the configured default (2)
	// applies, and with only one satisfiable condition the rule is
	// unmatchable here.
	rule := domain.SemanticRule{
		ID:    "r-generic",
		Label: "Generic",
		Conditions: []domain.RuleCondition{
			{Field: "process_name", Operator: domain.OperatorContains, Pattern: "dropper"},
			{Field: "file_path", Operator: domain.OperatorContains, Pattern: "*"},
		},
		RequiresMultiIndicator: true,
	}
	report, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{rule})
	require.NoError(t, err)
	assert.Equal(t, 0, report.MatchedMatches)
}

func TestRun_GenericPatternWarning(t *testing.T) {
	var matches []*domain.Match
	for i := 0; i < 10; i++ {
		matches = append(matches, &domain.Match{
			ID:      fmt.Sprintf("m%d", i),
			Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}},
		})
	}
	st := seedStore(t, matches)

	cfg := semantic.DefaultConfig()
	cfg.GenericPatternWarnRatio = 0.5
	m := newMapper(t, cfg)

	report, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{browserRule()})
	require.NoError(t, err)
	require.Len(t, report.GenericRuleWarnings, 1)
	assert.Contains(t, report.GenericRuleWarnings[0], "r-browser")
}

func TestRun_DebugModeSingleWorker(t *testing.T) {
	var matches []*domain.Match
	for i := 0; i < 25; i++ {
		matches = append(matches, &domain.Match{
			ID:      fmt.Sprintf("m%d", i),
			Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}},
		})
	}
	st := seedStore(t, matches)

	cfg := semantic.DefaultConfig()
	cfg.DebugMode = true
	cfg.GenericPatternWarnRatio = 1.0
	m := newMapper(t, cfg)

	report, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{browserRule()})
	require.NoError(t, err)
	assert.Equal(t, 25, report.MatchedMatches)
	// Debug mode writes one match per batch.
	assert.Equal(t, 25, report.Batches)
}

func TestRun_InvalidRegexTreatedAsNonMatching(t *testing.T) {
	matches := []*domain.Match{
		{ID: "m1", Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}}},
	}
	st := seedStore(t, matches)
	m := newMapper(t, nil)

	broken := domain.SemanticRule{
		ID:    "r-broken",
		Label: "Broken",
		Conditions: []domain.RuleCondition{
			{Field: "process_name", Operator: domain.OperatorRegex, Pattern: "chrome(["},
		},
	}
	report, err := m.Run(context.Background(), st, "run-1",
		[]domain.SemanticRule{broken, browserRule()})
	require.NoError(t, err)
	assert.Equal(t, 1, report.MatchedMatches)
	assert.Zero(t, report.PatternHits["r-broken"])
	assert.Equal(t, 1, report.PatternHits["r-browser"])
}

func TestRun_EmptyRunAndEmptyRules(t *testing.T) {
	st := seedStore(t, nil)
	m := newMapper(t, nil)

	report, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{browserRule()})
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalMatches)

	report, err = m.Run(context.Background(), st, "run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.MatchedMatches)
}

func TestRun_SecondRunMergesNotDuplicates(t *testing.T) {
	matches := []*domain.Match{
		{ID: "m1", Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}}},
	}
	st := seedStore(t, matches)
	m := newMapper(t, nil)

	_, err := m.Run(context.Background(), st, "run-1", []domain.SemanticRule{browserRule()})
	require.NoError(t, err)
	_, err = m.Run(context.Background(), st, "run-1", []domain.SemanticRule{browserRule()})
	require.NoError(t, err)

	got, err := st.MatchesByIDs(context.Background(), []string{"m1"})
	require.NoError(t, err)
	assert.Len(t, got[0].Classifications, 1)
}

func TestRun_FailedBatchNotCountedAsApplied(t *testing.T) {
	matches := []*domain.Match{
		{ID: "m1", Records: map[string]map[string]any{"prefetch": {"process_name": "chrome.exe"}}},
		{ID: "m2", Records: map[string]map[string]any{"srum": {"process_name": "chrome.exe"}}},
	}
	st := seedStore(t, matches)

	// A read-only handle makes every classification commit fail; the run
	// continues, but nothing may be reported as applied.
	ro, err := store.OpenReadOnly(st.Path(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ro.Close()

	m := newMapper(t, nil)
	report, err := m.Run(context.Background(), ro, "run-1", []domain.SemanticRule{browserRule()})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, report.FailedBatches, 1)
	assert.Equal(t, 0, report.ClassificationsApplied)
	assert.Equal(t, 0, report.MatchedMatches)
}
