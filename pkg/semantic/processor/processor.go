// Package processor classifies pending identities in a registry against a
// semantic rule set, in memory. It is the non-streaming counterpart of the
// SQL semantic mapper.
package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/registry"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/engine"
)

const (
	// smallDatasetThreshold is the identity count under which everything is
	// processed in a single pass.
	smallDatasetThreshold = 100

	// progressStepPercent is the reporting granularity for long runs.
	progressStepPercent = 10

	minBatchSize = 100
	maxBatchSize = 5000
)

// Stats summarizes one classification pass.
type Stats struct {
	Identities      int `json:"identities"`
	Processed       int `json:"processed"`
	Classified      int `json:"classified"`
	Errors          int `json:"errors"`
	Batches         int `json:"batches"`
	Classifications int `json:"classifications"`
}

// Processor applies rules at identity granularity.
type Processor struct {
	logger    *zap.Logger
	evaluator *engine.Evaluator
}

// New creates a processor sharing the given evaluator (and so its pattern
// cache) with the rest of the phase.
func New(evaluator *engine.Evaluator, logger *zap.Logger) *Processor {
	return &Processor{logger: logger, evaluator: evaluator}
}

// Process classifies every pending identity exactly once. A failure on one
// identity marks it errored and never stops the batch. Cancellation is
// checked between batches.
func (p *Processor) Process(ctx context.Context, reg *registry.Registry, rules []domain.SemanticRule) (*Stats, error) {
	pending := reg.Pending()
	stats := &Stats{Identities: len(pending)}
	if len(pending) == 0 {
		return stats, nil
	}

	batchSize := batchSizeFor(len(pending))
	nextProgress := progressStepPercent

	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("identity classification cancelled: %w", err)
		}
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		for _, rec := range pending[start:end] {
			p.processOne(reg, rec, rules, stats)
		}
		stats.Batches++

		if pct := stats.Processed * 100 / len(pending); pct >= nextProgress {
			p.logger.Info("Identity classification progress",
				zap.Int("percent", pct),
				zap.Int("processed", stats.Processed),
				zap.Int("total", len(pending)))
			for nextProgress <= pct {
				nextProgress += progressStepPercent
			}
		}
	}

	p.logger.Info("Identity classification complete",
		zap.Int("identities", stats.Identities),
		zap.Int("classified", stats.Classified),
		zap.Int("errors", stats.Errors),
		zap.Int("batches", stats.Batches))
	return stats, nil
}

// processOne evaluates all rules against one identity. Panics from rule
// evaluation are captured as per-identity errors.
func (p *Processor) processOne(reg *registry.Registry, rec *domain.IdentityRecord, rules []domain.SemanticRule, stats *Stats) {
	defer func() {
		if r := recover(); r != nil {
			stats.Errors++
			reg.MarkError(rec.Value, rec.Type, fmt.Sprintf("classification panic: %v", r))
			p.logger.Warn("Identity classification failed",
				zap.String("identity", rec.Value),
				zap.String("type", string(rec.Type)),
				zap.Any("panic", r))
		}
	}()

	target := engine.IdentityTarget(rec)
	matched := p.evaluator.EvaluateAll(rules, target)

	var data map[string]domain.Classification
	if len(matched) > 0 {
		data = make(map[string]domain.Classification, len(matched))
		for _, m := range matched {
			data[m.Rule.ID] = m.Rule.ToClassification(m.MatchedValue)
		}
		stats.Classified++
		stats.Classifications += len(matched)
	}
	reg.MarkProcessed(rec.Value, rec.Type, data)
	stats.Processed++
}

// batchSizeFor picks sequential processing for small datasets and batch
// sizes that grow with N for larger ones. Throughput tactic only; results
// are identical either way.
func batchSizeFor(n int) int {
	if n <= smallDatasetThreshold {
		return n
	}
	size := n / 20
	if size < minBatchSize {
		size = minBatchSize
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}
	return size
}
