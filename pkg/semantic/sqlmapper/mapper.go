// Package sqlmapper determines which semantic rules apply to which
// persisted matches at scale: full-text candidate pre-filtering, exact
// rule evaluation across a worker pool, and batched transactional
// persistence of the resulting classifications.
package sqlmapper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/engine"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/rules"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/store"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/telemetry"
)

// workerFetchChunk is how many candidate matches a worker pulls from its
// store connection per query.
const workerFetchChunk = 200

// Report is the mapper's end-of-run telemetry.
type Report struct {
	Rules                  int            `json:"rules"`
	TotalMatches           int            `json:"total_matches"`
	Candidates             int            `json:"candidates"`
	PrefilterUsed          bool           `json:"prefilter_used"`
	MatchedMatches         int            `json:"matched_matches"`
	ClassificationsApplied int            `json:"classifications_applied"`
	Batches                int            `json:"batches"`
	FailedBatches          int            `json:"failed_batches"`
	EvalErrors             int            `json:"eval_errors"`
	CoveragePercent        float64        `json:"coverage_percent"`
	MatchesPerSecond       float64        `json:"matches_per_second"`
	PatternHits            map[string]int `json:"pattern_hits"`
	GenericRuleWarnings    []string       `json:"generic_rule_warnings,omitempty"`
}

// Mapper runs the SQL semantic mapping pass against a persisted run.
type Mapper struct {
	cfg       *semantic.Config
	logger    *zap.Logger
	tracer    trace.Tracer
	evaluator *engine.Evaluator
	metrics   *telemetry.Metrics
}

// New creates a mapper. metrics may be nil.
func New(cfg *semantic.Config, evaluator *engine.Evaluator, metrics *telemetry.Metrics, logger *zap.Logger) *Mapper {
	return &Mapper{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("croweye.semantic.sqlmapper"),
		evaluator: evaluator,
		metrics:   metrics,
	}
}

// Run maps the rule set over every persisted match of the run and writes
// the resulting classifications back in independently committed batches.
func (m *Mapper) Run(ctx context.Context, st *store.Store, runID string, ruleSet []domain.SemanticRule) (*Report, error) {
	ctx, span := m.tracer.Start(ctx, "sqlmapper.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("rules", len(ruleSet)),
		))
	defer span.End()

	started := time.Now()
	ruleSet = rules.ApplyDefaultMinIndicators(ruleSet, m.cfg.DefaultMinIndicators)
	report := &Report{Rules: len(ruleSet), PatternHits: make(map[string]int)}

	total, err := st.CountMatches(ctx, runID)
	if err != nil {
		return report, fmt.Errorf("counting matches for run %s: %w", runID, err)
	}
	report.TotalMatches = total
	if total == 0 || len(ruleSet) == 0 {
		return report, nil
	}

	candidates, prefiltered, err := m.selectCandidates(ctx, st, runID, ruleSet, total)
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)
	report.PrefilterUsed = prefiltered

	outcomes, evalErrors := m.evaluate(ctx, st.Path(), runID, candidates, ruleSet, report.PatternHits)
	report.EvalErrors = evalErrors
	m.metrics.AddItemErrors(evalErrors)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("mapping cancelled: %w", err)
	}

	m.persist(ctx, st, outcomes, report)

	elapsed := time.Since(started)
	if elapsed > 0 {
		report.MatchesPerSecond = float64(report.Candidates) / elapsed.Seconds()
	}
	if report.Candidates > 0 {
		report.CoveragePercent = float64(report.MatchedMatches) / float64(report.Candidates) * 100
	}
	m.warnGenericPatterns(report)
	m.metrics.ObserveEvaluation(elapsed.Seconds())

	span.SetAttributes(
		attribute.Int("candidates", report.Candidates),
		attribute.Int("matched", report.MatchedMatches),
		attribute.Int("failed_batches", report.FailedBatches),
	)
	m.logger.Info("SQL semantic mapping complete",
		zap.String("run_id", runID),
		zap.Int("total_matches", report.TotalMatches),
		zap.Int("candidates", report.Candidates),
		zap.Bool("prefilter_used", report.PrefilterUsed),
		zap.Int("matched", report.MatchedMatches),
		zap.Int("classifications", report.ClassificationsApplied),
		zap.Float64("coverage_percent", report.CoveragePercent),
		zap.Float64("matches_per_second", report.MatchesPerSecond))
	return report, nil
}

// selectCandidates shrinks the evaluation set via the full-text index,
// falling back to every match when the index cannot be used or returns
// nothing while matches exist. Precision is never sacrificed for speed.
func (m *Mapper) selectCandidates(ctx context.Context, st *store.Store, runID string, ruleSet []domain.SemanticRule, total int) ([]string, bool, error) {
	allIDs := func() ([]string, bool, error) {
		ids, err := st.MatchIDs(ctx, runID)
		if err != nil {
			return nil, false, fmt.Errorf("listing match ids for run %s: %w", runID, err)
		}
		return ids, false, nil
	}

	terms := rules.ExtractAllTerms(ruleSet)
	if len(terms) == 0 {
		m.logger.Debug("No searchable terms in rule set, evaluating all matches",
			zap.String("run_id", runID))
		return allIDs()
	}

	if _, err := st.BuildCandidateIndex(ctx, runID, m.cfg.RebuildIndex); err != nil {
		m.logger.Warn("Candidate index unavailable, evaluating all matches",
			zap.String("run_id", runID),
			zap.Error(err))
		return allIDs()
	}

	ids, err := st.CandidateIDs(ctx, runID, terms)
	if err != nil {
		m.logger.Warn("Candidate query failed, evaluating all matches",
			zap.String("run_id", runID),
			zap.Error(err))
		return allIDs()
	}
	if len(ids) == 0 && total > 0 {
		m.logger.Warn("Candidate pre-filter returned zero candidates, evaluating all matches",
			zap.String("run_id", runID),
			zap.Int("total_matches", total))
		return allIDs()
	}
	return ids, true, nil
}

// outcome is one worker finding: a match and the rules that applied.
type outcome struct {
	matchID string
	matched []engine.RuleMatch
}

// shardResult is everything a worker hands back to the coordinator.
// Workers share no mutable state; the coordinator performs all writes.
type shardResult struct {
	outcomes    []outcome
	evalErrors  int
	patternHits map[string]int
}

// evaluate shards candidate ids across the worker pool. Every worker owns
// its own read-only store connection and evaluates its shard
// independently.
func (m *Mapper) evaluate(ctx context.Context, storePath, runID string, candidates []string, ruleSet []domain.SemanticRule, patternHits map[string]int) ([]outcome, int) {
	if len(candidates) == 0 {
		return nil, 0
	}

	workers := m.cfg.EffectiveWorkers()
	if workers > len(candidates) {
		workers = len(candidates)
	}
	shardSize := (len(candidates) + workers - 1) / workers

	results := make(chan shardResult, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * shardSize
		if start >= len(candidates) {
			break
		}
		end := start + shardSize
		if end > len(candidates) {
			end = len(candidates)
		}
		wg.Add(1)
		go func(workerID int, shard []string) {
			defer wg.Done()
			results <- m.evaluateShard(ctx, workerID, storePath, shard, ruleSet)
		}(w, candidates[start:end])
	}
	wg.Wait()
	close(results)

	var outcomes []outcome
	evalErrors := 0
	for res := range results {
		outcomes = append(outcomes, res.outcomes...)
		evalErrors += res.evalErrors
		for ruleID, hits := range res.patternHits {
			patternHits[ruleID] += hits
		}
	}
	return outcomes, evalErrors
}

// evaluateShard runs one worker's share. A failure to open the store or
// fetch a chunk counts as errors for the affected matches; it never takes
// the run down.
func (m *Mapper) evaluateShard(ctx context.Context, workerID int, storePath string, shard []string, ruleSet []domain.SemanticRule) shardResult {
	res := shardResult{patternHits: make(map[string]int)}
	workerLogger := m.logger.With(zap.Int("worker_id", workerID))

	st, err := store.OpenReadOnly(storePath, workerLogger)
	if err != nil {
		workerLogger.Error("Worker could not open store, shard skipped",
			zap.Error(err))
		res.evalErrors += len(shard)
		return res
	}
	defer st.Close()

	for start := 0; start < len(shard); start += workerFetchChunk {
		if ctx.Err() != nil {
			return res
		}
		end := start + workerFetchChunk
		if end > len(shard) {
			end = len(shard)
		}
		chunk, err := st.MatchesByIDs(ctx, shard[start:end])
		if err != nil {
			workerLogger.Warn("Worker chunk fetch failed, skipping",
				zap.Int("chunk_start", start),
				zap.Error(err))
			res.evalErrors += end - start
			continue
		}
		for _, match := range chunk {
			matched := m.evaluator.EvaluateAll(ruleSet, engine.MatchTarget(match))
			if len(matched) == 0 {
				continue
			}
			res.outcomes = append(res.outcomes, outcome{matchID: match.ID, matched: matched})
			for _, rm := range matched {
				res.patternHits[rm.Rule.ID]++
			}
		}
	}
	return res
}

// persist expands matched rules into classification payloads and writes
// them in independently committed batches. A mid-run failure loses at most
// one batch.
func (m *Mapper) persist(ctx context.Context, st *store.Store, outcomes []outcome, report *Report) {
	batchSize := m.cfg.EffectiveBatchSize()
	now := time.Now().UTC()

	pending := make(map[string]map[string]domain.Classification, batchSize)
	pendingEntries := 0
	flush := func(batchNum int) {
		if len(pending) == 0 {
			return
		}
		report.Batches++
		n, err := st.ApplyClassifications(ctx, pending)
		if err != nil {
			report.FailedBatches++
			m.metrics.IncBatchFailed()
			m.logger.Error("Classification batch commit failed, continuing with next batch",
				zap.Int("batch_size", len(pending)),
				zap.Error(domain.ErrBatchWriteFailed(batchNum, err)))
		} else {
			report.MatchedMatches += n
			// Only committed entries count as applied; a failed batch's
			// entries are lost and must not inflate the summary.
			report.ClassificationsApplied += pendingEntries
			m.metrics.IncBatchCommitted()
		}
		pending = make(map[string]map[string]domain.Classification, batchSize)
		pendingEntries = 0
	}

	for _, o := range outcomes {
		if err := ctx.Err(); err != nil {
			break
		}
		entries := make(map[string]domain.Classification, len(o.matched))
		for _, rm := range o.matched {
			c := rm.Rule.ToClassification(rm.MatchedValue)
			c.AppliedAt = now
			entries[rm.Rule.ID] = c
		}
		pending[o.matchID] = entries
		pendingEntries += len(entries)
		if len(pending) >= batchSize {
			flush(report.Batches + 1)
		}
	}
	// Final commit of whatever remains, even after failures or
	// cancellation.
	flush(report.Batches + 1)
	m.metrics.AddClassificationsApplied(report.ClassificationsApplied)
}

// warnGenericPatterns flags rules whose hit count exceeds the configured
// fraction of the candidate set: a signal the rule should carry a
// multi-indicator policy.
func (m *Mapper) warnGenericPatterns(report *Report) {
	if report.Candidates == 0 {
		return
	}
	threshold := int(m.cfg.GenericPatternWarnRatio * float64(report.Candidates))
	for ruleID, hits := range report.PatternHits {
		if hits > threshold {
			warning := fmt.Sprintf("rule %s matched %d of %d candidates; consider requiring multi-indicator validation",
				ruleID, hits, report.Candidates)
			report.GenericRuleWarnings = append(report.GenericRuleWarnings, warning)
			m.logger.Warn("Overly generic rule pattern",
				zap.String("rule_id", ruleID),
				zap.Int("hits", hits),
				zap.Int("candidates", report.Candidates))
		}
	}
}
