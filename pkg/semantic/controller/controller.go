// Package controller orchestrates the identity semantic phase: extraction,
// classification via the streamed or in-memory path, propagation, and the
// end-of-run summary, with a documented fallback policy on error.
package controller

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/aggregator"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/registry"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/engine"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/processor"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/propagator"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/rules"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/sqlmapper"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/store"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/telemetry"
)

// State is the controller's position in the phase state machine.
type State string

const (
	StateIdle        State = "idle"
	StateExtracting  State = "extracting"
	StateClassifying State = "classifying"
	StatePropagating State = "propagating"
	StateComplete    State = "complete"
	StatePartial     State = "partial"
	StateError       State = "error"
	StateSkipped     State = "skipped"
)

// Summary is the structured end-of-run report.
type Summary struct {
	PhaseID      string `json:"phase_id"`
	State        State  `json:"state"`
	FallbackUsed bool   `json:"fallback_used"`
	Error        string `json:"error,omitempty"`

	IdentitiesExtracted    int `json:"identities_extracted"`
	IdentitiesProcessed    int `json:"identities_processed"`
	IdentitiesErrored      int `json:"identities_errored"`
	ClassificationsApplied int `json:"classifications_applied"`
	RecordsEnhanced        int `json:"records_enhanced"`
	AggregationErrors      int `json:"aggregation_errors"`
	SkippedItems           int `json:"skipped_items"`
	FailedBatches          int `json:"failed_batches"`

	ExtractDuration   time.Duration `json:"extract_duration"`
	ClassifyDuration  time.Duration `json:"classify_duration"`
	PropagateDuration time.Duration `json:"propagate_duration"`
	TotalDuration     time.Duration `json:"total_duration"`

	StartHeapBytes uint64 `json:"start_heap_bytes"`
	PeakHeapBytes  uint64 `json:"peak_heap_bytes"`
	EndHeapBytes   uint64 `json:"end_heap_bytes"`

	IdentitiesPerSecond float64  `json:"identities_per_second"`
	Warnings            []string `json:"warnings,omitempty"`
}

// Controller runs the identity semantic phase end to end.
type Controller struct {
	cfg     *semantic.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	evaluator  *engine.Evaluator
	aggregator *aggregator.Aggregator
	processor  *processor.Processor
	propagator *propagator.Propagator
	mapper     *sqlmapper.Mapper
}

// New wires the phase components. The configuration is threaded in here at
// construction; nothing reads ambient global state at call time. metrics
// may be nil.
func New(cfg *semantic.Config, metrics *telemetry.Metrics, logger *zap.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = semantic.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid semantic config: %w", err)
	}
	evaluator, err := engine.NewEvaluator(cfg.PatternCacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("croweye.semantic.controller"),
		metrics:    metrics,
		evaluator:  evaluator,
		aggregator: aggregator.New(logger),
		processor:  processor.New(evaluator, logger),
		propagator: propagator.New(logger),
		mapper:     sqlmapper.New(cfg, evaluator, metrics, logger),
	}, nil
}

// Execute runs the phase over the given result sets. On an unhandled
// failure the default policy returns the original, unmodified results with
// the error recorded in the summary; with fallback disabled the error is
// returned instead.
func (c *Controller) Execute(ctx context.Context, sets []domain.ResultSet, ruleSet []domain.SemanticRule) (results []domain.ResultSet, summary *Summary, err error) {
	summary = &Summary{PhaseID: uuid.NewString(), State: StateIdle}
	results = sets

	if !c.cfg.Enabled {
		summary.State = StateSkipped
		c.logger.Info("Identity semantic phase disabled, returning input unchanged")
		return results, summary, nil
	}
	if len(sets) == 0 {
		summary.State = StateComplete
		return results, summary, nil
	}

	ctx, span := c.tracer.Start(ctx, "semantic.execute",
		trace.WithAttributes(
			attribute.String("phase_id", summary.PhaseID),
			attribute.Int("result_sets", len(sets))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = c.fail(summary, domain.ErrPhaseFailed(string(summary.State), fmt.Errorf("panic: %v", r)))
		}
	}()

	started := time.Now()
	summary.StartHeapBytes = heapInUse()
	summary.PeakHeapBytes = summary.StartHeapBytes

	reg, runErr := c.run(ctx, sets, ruleSet, summary)
	summary.TotalDuration = time.Since(started)
	summary.EndHeapBytes = heapInUse()
	c.observePeak(summary)

	if reg != nil {
		stats := reg.Statistics()
		summary.IdentitiesExtracted = stats.Identities
		summary.IdentitiesProcessed = stats.Processed
		summary.IdentitiesErrored = stats.Errored
		if summary.TotalDuration > 0 {
			summary.IdentitiesPerSecond = float64(stats.Identities) / summary.TotalDuration.Seconds()
		}
		c.metrics.AddIdentitiesExtracted(stats.Identities)
	}

	if runErr != nil {
		if ctx.Err() != nil {
			// Committed batches stay valid; report partial completion.
			summary.State = StatePartial
			summary.Error = runErr.Error()
			c.logSummary(summary)
			return results, summary, nil
		}
		return results, summary, c.fail(summary, runErr)
	}

	summary.State = StateComplete
	c.logSummary(summary)
	return results, summary, nil
}

// run executes the three phase steps and returns the populated registry.
func (c *Controller) run(ctx context.Context, sets []domain.ResultSet, ruleSet []domain.SemanticRule, summary *Summary) (*registry.Registry, error) {
	// Both classification paths must evaluate identical rules, so the
	// default multi-indicator threshold is applied once, up front.
	ruleSet = rules.ApplyDefaultMinIndicators(ruleSet, c.cfg.DefaultMinIndicators)

	// Extraction.
	summary.State = StateExtracting
	stepStart := time.Now()
	reg, aggStats := c.aggregator.Aggregate(ctx, sets)
	summary.ExtractDuration = time.Since(stepStart)
	summary.AggregationErrors = aggStats.Errors
	summary.SkippedItems = aggStats.Skipped
	summary.Warnings = append(summary.Warnings, aggStats.Messages...)
	c.observePeak(summary)
	c.metrics.ObserveStep("extract", summary.ExtractDuration.Seconds())
	if err := ctx.Err(); err != nil {
		return reg, fmt.Errorf("extraction interrupted: %w", err)
	}

	// Classification: SQL-based path for streamed sets, registry-based
	// path for everything in memory.
	summary.State = StateClassifying
	stepStart = time.Now()
	for _, set := range sets {
		streamed, ok := set.(*domain.StreamedResult)
		if !ok {
			continue
		}
		if err := c.classifyStreamed(ctx, streamed, ruleSet, summary); err != nil {
			return reg, err
		}
	}
	procStats, err := c.processor.Process(ctx, reg, ruleSet)
	if procStats != nil {
		summary.ClassificationsApplied += procStats.Classifications
	}
	summary.ClassifyDuration = time.Since(stepStart)
	c.observePeak(summary)
	c.metrics.ObserveStep("classify", summary.ClassifyDuration.Seconds())
	if err != nil {
		return reg, err
	}

	// Propagation.
	summary.State = StatePropagating
	stepStart = time.Now()
	for _, set := range sets {
		// Sets the extraction step rejected (and recorded) must not take
		// down propagation for the healthy ones.
		if set == nil {
			continue
		}
		switch r := set.(type) {
		case *domain.StreamedResult:
			if err := c.propagateStreamed(ctx, r, reg, summary); err != nil {
				return reg, err
			}
		default:
			propStats, err := c.propagator.PropagateInMemory(reg, r)
			if propStats != nil {
				summary.RecordsEnhanced += propStats.MatchesEnhanced
			}
			if err != nil {
				summary.Warnings = append(summary.Warnings, err.Error())
				c.logger.Warn("Set propagation failed, continuing with remaining sets",
					zap.String("run_id", r.Wing().RunID),
					zap.Error(err))
			}
		}
	}
	summary.PropagateDuration = time.Since(stepStart)
	c.observePeak(summary)
	c.metrics.ObserveStep("propagate", summary.PropagateDuration.Seconds())
	c.metrics.AddRecordsEnhanced(summary.RecordsEnhanced)
	return reg, nil
}

// classifyStreamed runs the SQL semantic mapper over one persisted run.
func (c *Controller) classifyStreamed(ctx context.Context, streamed *domain.StreamedResult, ruleSet []domain.SemanticRule, summary *Summary) error {
	st, err := store.Open(streamed.StorePath, c.logger)
	if err != nil {
		return domain.ErrPhaseFailed("classifying", err)
	}
	defer st.Close()

	runID := streamed.Run.RunID
	if _, err := c.aggregator.WriteBackIdentities(ctx, st, runID, c.cfg.RebuildIndex); err != nil {
		return domain.ErrPhaseFailed("classifying", err)
	}
	report, err := c.mapper.Run(ctx, st, runID, ruleSet)
	if report != nil {
		summary.ClassificationsApplied += report.ClassificationsApplied
		summary.RecordsEnhanced += report.MatchedMatches
		summary.FailedBatches += report.FailedBatches
		summary.Warnings = append(summary.Warnings, report.GenericRuleWarnings...)
	}
	if err != nil {
		return domain.ErrPhaseFailed("classifying", err)
	}
	return nil
}

// propagateStreamed pushes identity-level classification data onto the
// persisted rows; merging by rule id keeps it idempotent next to the
// mapper's own writes.
func (c *Controller) propagateStreamed(ctx context.Context, streamed *domain.StreamedResult, reg *registry.Registry, summary *Summary) error {
	st, err := store.Open(streamed.StorePath, c.logger)
	if err != nil {
		return domain.ErrPhaseFailed("propagating", err)
	}
	defer st.Close()

	propStats, err := c.propagator.PropagateStreamed(ctx, st, streamed.Run.RunID, reg)
	if propStats != nil {
		summary.RecordsEnhanced += propStats.MatchesEnhanced
		summary.FailedBatches += propStats.FailedBatches
	}
	return err
}

// fail applies the fallback policy: record the error and return the input
// untouched, unless fallback is disabled.
func (c *Controller) fail(summary *Summary, err error) error {
	summary.State = StateError
	summary.Error = err.Error()
	c.logger.Error("Identity semantic phase failed",
		zap.Error(err),
		zap.Bool("fallback", c.cfg.FallbackOnError))
	if c.cfg.FallbackOnError {
		summary.FallbackUsed = true
		c.metrics.IncPhaseFallback()
		c.logSummary(summary)
		return nil
	}
	return err
}

func (c *Controller) observePeak(summary *Summary) {
	if heap := heapInUse(); heap > summary.PeakHeapBytes {
		summary.PeakHeapBytes = heap
	}
}

func (c *Controller) logSummary(summary *Summary) {
	c.logger.Info("Identity semantic phase summary",
		zap.String("phase_id", summary.PhaseID),
		zap.String("state", string(summary.State)),
		zap.Bool("fallback_used", summary.FallbackUsed),
		zap.Int("identities_extracted", summary.IdentitiesExtracted),
		zap.Int("identities_processed", summary.IdentitiesProcessed),
		zap.Int("identities_errored", summary.IdentitiesErrored),
		zap.Int("classifications_applied", summary.ClassificationsApplied),
		zap.Int("records_enhanced", summary.RecordsEnhanced),
		zap.Int("aggregation_errors", summary.AggregationErrors),
		zap.Int("failed_batches", summary.FailedBatches),
		zap.Duration("extract", summary.ExtractDuration),
		zap.Duration("classify", summary.ClassifyDuration),
		zap.Duration("propagate", summary.PropagateDuration),
		zap.Duration("total", summary.TotalDuration),
		zap.Uint64("peak_heap_bytes", summary.PeakHeapBytes),
		zap.Float64("identities_per_second", summary.IdentitiesPerSecond))
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
