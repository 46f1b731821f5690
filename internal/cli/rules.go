package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/semantic/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect classification rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list [file]",
	Short: "List the rules that would apply (builtin rules when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		ruleSet, invalid, err := loadRules(path, logger)
		if err != nil {
			return err
		}
		for _, r := range ruleSet {
			printRule(r)
		}
		for _, ruleErr := range invalid {
			color.Red("invalid: %v", ruleErr)
		}
		fmt.Printf("\n%d usable, %d invalid\n", len(ruleSet), len(invalid))
		return nil
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a YAML rule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ruleSet, invalid, err := rules.Load(args[0], logger)
		if err != nil {
			return err
		}
		for _, ruleErr := range invalid {
			color.Red("invalid: %v", ruleErr)
		}
		if len(invalid) > 0 {
			return fmt.Errorf("%d invalid rule(s) in %s", len(invalid), args[0])
		}
		color.Green("%s: %d rules OK", args[0], len(ruleSet))
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}

// loadRules reads the given YAML file, or falls back to the builtin rule
// set when path is empty.
func loadRules(path string, logger *zap.Logger) ([]domain.SemanticRule, []error, error) {
	if path == "" {
		valid, invalid := rules.Partition(rules.Defaults(), logger)
		return valid, invalid, nil
	}
	return rules.Load(path, logger)
}

func printRule(r domain.SemanticRule) {
	fields := make([]string, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		fields = append(fields, fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Pattern))
	}
	policy := ""
	if r.RequiresMultiIndicator {
		policy = fmt.Sprintf(" [min %d indicators]", r.MinIndicators)
	}
	fmt.Printf("%-28s %-24s %s/%s%s\n    %s\n",
		r.ID, r.Label, r.Category, r.Severity, policy, strings.Join(fields, "; "))
}
