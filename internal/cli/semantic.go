package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/controller"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/telemetry"
)

var semanticFlags struct {
	dbPath       string
	runID        string
	runName      string
	rulesPath    string
	workers      int
	batchSize    int
	debug        bool
	rebuildIndex bool
	noFallback   bool
}

var semanticCmd = &cobra.Command{
	Use:   "semantic",
	Short: "Classify and enrich a persisted correlation run",
	Long: `Runs the identity semantic phase over a correlation run stored in a
match database: extracts identities, matches them against classification
rules, and writes labels back onto the stored matches.`,
	Example: `  croweye semantic --db case.db --run wing-2024-001
  croweye semantic --db case.db --run wing-2024-001 --rules custom.yaml --debug`,
	RunE: runSemantic,
}

func init() {
	f := semanticCmd.Flags()
	f.StringVar(&semanticFlags.dbPath, "db", "", "path to the match database")
	f.StringVar(&semanticFlags.runID, "run", "", "wing run id to process")
	f.StringVar(&semanticFlags.runName, "run-name", "", "display name for the run")
	f.StringVar(&semanticFlags.rulesPath, "rules", "", "YAML rule file (builtin rules when omitted)")
	f.IntVar(&semanticFlags.workers, "workers", 0, "pattern-matching workers (0 = configured default)")
	f.IntVar(&semanticFlags.batchSize, "batch-size", 0, "classification write batch size (0 = configured default)")
	f.BoolVar(&semanticFlags.debug, "debug", false, "single worker, batch size 1, for reproducible diagnosis")
	f.BoolVar(&semanticFlags.rebuildIndex, "rebuild-index", false, "rebuild the candidate text index even if present")
	f.BoolVar(&semanticFlags.noFallback, "no-fallback", false, "fail the command instead of returning unmodified results on error")
	semanticCmd.MarkFlagRequired("db")
	semanticCmd.MarkFlagRequired("run")
}

func runSemantic(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(semanticFlags.dbPath); err != nil {
		return fmt.Errorf("match database %s: %w", semanticFlags.dbPath, err)
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := semanticConfig()
	if err != nil {
		return err
	}

	ruleSet, invalid, err := loadRules(semanticFlags.rulesPath, logger)
	if err != nil {
		return err
	}
	for _, ruleErr := range invalid {
		color.Yellow("skipping rule: %v", ruleErr)
	}
	if len(ruleSet) == 0 {
		return fmt.Errorf("no usable rules")
	}

	metrics := telemetry.New(prometheus.NewRegistry())
	ctrl, err := controller.New(cfg, metrics, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	set := &domain.StreamedResult{
		Run: domain.WingInfo{
			RunID:   semanticFlags.runID,
			RunName: semanticFlags.runName,
		},
		StorePath: semanticFlags.dbPath,
	}

	_, summary, err := ctrl.Execute(ctx, []domain.ResultSet{set}, ruleSet)
	printSummary(summary, len(ruleSet))
	return err
}

func printSummary(s *controller.Summary, ruleCount int) {
	bold := color.New(color.Bold)
	bold.Println("\nIdentity semantic phase")
	fmt.Printf("  Phase:            %s\n", s.PhaseID)
	fmt.Printf("  State:            %s\n", stateString(s.State))
	if s.FallbackUsed {
		color.Yellow("  Results returned unmodified (fallback): %s", s.Error)
	} else if s.Error != "" {
		color.Red("  Error: %s", s.Error)
	}

	fmt.Printf("  Rules:            %d\n", ruleCount)
	fmt.Printf("  Identities:       %d extracted, %d processed, %d errored\n",
		s.IdentitiesExtracted, s.IdentitiesProcessed, s.IdentitiesErrored)
	fmt.Printf("  Classifications:  %d applied\n", s.ClassificationsApplied)
	fmt.Printf("  Matches enriched: %d\n", s.RecordsEnhanced)
	if s.AggregationErrors > 0 || s.SkippedItems > 0 {
		color.Yellow("  Extraction:       %d errors, %d skipped", s.AggregationErrors, s.SkippedItems)
	}
	if s.FailedBatches > 0 {
		color.Yellow("  Failed batches:   %d", s.FailedBatches)
	}

	fmt.Printf("  Timing:           extract %s, classify %s, propagate %s, total %s\n",
		s.ExtractDuration.Round(time.Millisecond),
		s.ClassifyDuration.Round(time.Millisecond),
		s.PropagateDuration.Round(time.Millisecond),
		s.TotalDuration.Round(time.Millisecond))
	fmt.Printf("  Memory:           %.1f MB start, %.1f MB peak, %.1f MB end\n",
		mb(s.StartHeapBytes), mb(s.PeakHeapBytes), mb(s.EndHeapBytes))
	if s.IdentitiesPerSecond > 0 {
		fmt.Printf("  Throughput:       %.0f identities/s\n", s.IdentitiesPerSecond)
	}
	for _, w := range s.Warnings {
		color.Yellow("  Warning: %s", w)
	}
}

func stateString(s controller.State) string {
	switch s {
	case controller.StateComplete:
		return color.GreenString(string(s))
	case controller.StatePartial, controller.StateSkipped:
		return color.YellowString(string(s))
	case controller.StateError:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func mb(b uint64) float64 { return float64(b) / (1024 * 1024) }
