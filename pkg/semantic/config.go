// Package semantic holds the configuration shared by the identity semantic
// phase components: the SQL mapper, the identity processor, the propagator
// and the controller.
package semantic

import (
	"fmt"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/engine"
)

// Config controls the identity semantic phase.
type Config struct {
	// Enabled gates the whole phase; when false the controller returns the
	// input untouched.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// WorkerCount sizes the pattern-matching worker pool.
	WorkerCount int `json:"worker_count" mapstructure:"worker_count"`

	// BatchSize is the persistence batch for classification writes.
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`

	// PatternCacheSize bounds the compiled-pattern LRU.
	PatternCacheSize int `json:"pattern_cache_size" mapstructure:"pattern_cache_size"`

	// DefaultMinIndicators applies to rules that declare a multi-indicator
	// policy without their own threshold.
	DefaultMinIndicators int `json:"default_min_indicators" mapstructure:"default_min_indicators"`

	// GenericPatternWarnRatio is the matches-per-pattern fraction of the
	// candidate set above which a rule is flagged as overly generic.
	GenericPatternWarnRatio float64 `json:"generic_pattern_warn_ratio" mapstructure:"generic_pattern_warn_ratio"`

	// DebugMode forces single-threaded, batch-size-1 execution for
	// reproducible diagnosis.
	DebugMode bool `json:"debug_mode" mapstructure:"debug_mode"`

	// FallbackOnError makes the controller return the unmodified input on
	// an unhandled failure instead of propagating it.
	FallbackOnError bool `json:"fallback_on_error" mapstructure:"fallback_on_error"`

	// RebuildIndex forces a fresh candidate index even if one exists.
	RebuildIndex bool `json:"rebuild_index" mapstructure:"rebuild_index"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                 true,
		WorkerCount:             4,
		BatchSize:               500,
		PatternCacheSize:        engine.DefaultPatternCacheSize,
		DefaultMinIndicators:    2,
		GenericPatternWarnRatio: 0.5,
		FallbackOnError:         true,
	}
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.PatternCacheSize <= 0 {
		return fmt.Errorf("pattern_cache_size must be positive, got %d", c.PatternCacheSize)
	}
	if c.GenericPatternWarnRatio <= 0 || c.GenericPatternWarnRatio > 1 {
		return fmt.Errorf("generic_pattern_warn_ratio must be in (0,1], got %f", c.GenericPatternWarnRatio)
	}
	return nil
}

// EffectiveWorkers returns the worker count after debug-mode clamping.
func (c *Config) EffectiveWorkers() int {
	if c.DebugMode {
		return 1
	}
	return c.WorkerCount
}

// EffectiveBatchSize returns the batch size after debug-mode clamping.
func (c *Config) EffectiveBatchSize() int {
	if c.DebugMode {
		return 1
	}
	return c.BatchSize
}
