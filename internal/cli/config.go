package cli

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic"
)

// newLogger builds the CLI logger; verbose switches to development output.
func newLogger() (*zap.Logger, error) {
	if verbose || viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// semanticConfig merges defaults, the config file's semantic section, and
// any flag overrides into one validated Config.
func semanticConfig() (*semantic.Config, error) {
	cfg := semantic.DefaultConfig()

	sub := viper.Sub("semantic")
	if sub != nil {
		if err := sub.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("reading semantic config section: %w", err)
		}
	}

	if semanticFlags.workers > 0 {
		cfg.WorkerCount = semanticFlags.workers
	}
	if semanticFlags.batchSize > 0 {
		cfg.BatchSize = semanticFlags.batchSize
	}
	if semanticFlags.debug {
		cfg.DebugMode = true
	}
	if semanticFlags.rebuildIndex {
		cfg.RebuildIndex = true
	}
	if semanticFlags.noFallback {
		cfg.FallbackOnError = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
