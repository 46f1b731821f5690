// Package rules loads and validates semantic rule sets and extracts the
// literal search terms used by the candidate pre-filter.
package rules

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
)

// ruleFile is the on-disk shape of a rule set.
type ruleFile struct {
	Rules []domain.SemanticRule `yaml:"rules"`
}

// Load reads a YAML rule file and partitions it into usable and invalid
// rules. Invalid rules (including unmatchable multi-indicator rules) are
// logged and excluded; they never contribute a match.
func Load(path string, logger *zap.Logger) ([]domain.SemanticRule, []error, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading rule file %s: %w", path, err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, nil, fmt.Errorf("parsing rule file %s: %w", path, err)
	}
	valid, invalid := Partition(rf.Rules, logger)
	return valid, invalid, nil
}

// Partition splits a rule slice into valid rules and per-rule validation
// errors, applying defaults (AND logic, default confidence) as it goes.
func Partition(in []domain.SemanticRule, logger *zap.Logger) ([]domain.SemanticRule, []error) {
	valid := make([]domain.SemanticRule, 0, len(in))
	var invalid []error
	for i := range in {
		rule := in[i]
		if rule.Logic == "" {
			rule.Logic = domain.LogicAnd
		}
		if err := rule.Validate(); err != nil {
			logger.Warn("Rejecting invalid semantic rule",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			invalid = append(invalid, err)
			continue
		}
		valid = append(valid, rule)
	}
	return valid, invalid
}

// ApplyDefaultMinIndicators fills in the configured threshold for rules
// that declare the multi-indicator policy without their own value. Both
// evaluation paths must see the same effective rules, so callers normalize
// once before classification starts. The input slice is not mutated.
func ApplyDefaultMinIndicators(in []domain.SemanticRule, min int) []domain.SemanticRule {
	out := make([]domain.SemanticRule, len(in))
	copy(out, in)
	for i := range out {
		if out[i].RequiresMultiIndicator && out[i].MinIndicators == 0 {
			out[i].MinIndicators = min
		}
	}
	return out
}

// regex metacharacters stripped when mining literal terms from patterns
const metachars = `.^$*+?()[]{}\|`

// ExtractTerms mines the searchable literal tokens from a rule's patterns
// for the full-text candidate pre-filter: regex alternatives are split,
// metacharacters stripped, and only tokens of three or more characters are
// kept. An empty result means the rule cannot be pre-filtered and forces
// full evaluation.
func ExtractTerms(rule *domain.SemanticRule) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, cond := range rule.EffectiveConditions() {
		for _, alt := range strings.Split(cond.Pattern, "|") {
			token := stripMeta(alt)
			token = strings.ToLower(strings.TrimSpace(token))
			if len(token) < 3 {
				continue
			}
			if _, dup := seen[token]; dup {
				continue
			}
			seen[token] = struct{}{}
			terms = append(terms, token)
		}
	}
	return terms
}

// ExtractAllTerms unions the terms of every rule in a set.
func ExtractAllTerms(set []domain.SemanticRule) []string {
	seen := make(map[string]struct{})
	var terms []string
	for i := range set {
		for _, term := range ExtractTerms(&set[i]) {
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			terms = append(terms, term)
		}
	}
	return terms
}

func stripMeta(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(metachars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
