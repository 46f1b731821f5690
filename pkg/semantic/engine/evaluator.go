// Package engine holds the rule evaluation core shared by the SQL semantic
// mapper and the identity-level processor: condition matching with AND
// semantics, multi-indicator validation, and the bounded pattern cache.
package engine

import (
	"strings"

	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
)

// Evaluator applies semantic rules to targets. It is safe for concurrent
// use; the pattern cache is the only shared state.
type Evaluator struct {
	logger *zap.Logger
	cache  *PatternCache
}

// NewEvaluator creates an evaluator with a pattern cache of the given
// capacity.
func NewEvaluator(cacheSize int, logger *zap.Logger) (*Evaluator, error) {
	cache, err := NewPatternCache(cacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &Evaluator{logger: logger, cache: cache}, nil
}

// Cache exposes the pattern cache for telemetry.
func (e *Evaluator) Cache() *PatternCache { return e.cache }

// RuleMatch is the outcome of evaluating one rule against one target.
type RuleMatch struct {
	Rule         *domain.SemanticRule
	MatchedValue string
	Indicators   int
}

// EvaluateRule checks all of a rule's conditions with AND semantics.
// Wildcard conditions are ignored; a rule with no effective conditions
// never matches. When the rule declares a multi-indicator policy, the
// number of independently satisfied conditions must meet MinIndicators.
func (e *Evaluator) EvaluateRule(rule *domain.SemanticRule, target *Target) (RuleMatch, bool) {
	effective := rule.EffectiveConditions()
	if len(effective) == 0 {
		return RuleMatch{}, false
	}

	matched := RuleMatch{Rule: rule}
	for _, cond := range effective {
		value, ok := e.evaluateCondition(cond, target)
		if !ok {
			return RuleMatch{}, false
		}
		matched.Indicators++
		if matched.MatchedValue == "" {
			matched.MatchedValue = value
		}
	}

	if rule.RequiresMultiIndicator && matched.Indicators < rule.MinIndicators {
		return RuleMatch{}, false
	}
	return matched, true
}

// EvaluateAll returns every rule that matches the target. A rule set may
// apply several simultaneous labels.
func (e *Evaluator) EvaluateAll(rules []domain.SemanticRule, target *Target) []RuleMatch {
	var out []RuleMatch
	for i := range rules {
		if m, ok := e.EvaluateRule(&rules[i], target); ok {
			out = append(out, m)
		}
	}
	return out
}

// evaluateCondition resolves the condition's field through the fallback
// layers and applies the operator. Returns the technical value that
// satisfied the condition.
func (e *Evaluator) evaluateCondition(cond domain.RuleCondition, target *Target) (string, bool) {
	values := target.FieldValues(cond.Field)
	if len(values) == 0 {
		values = target.AllStrings()
	}
	for _, v := range values {
		if e.valueMatches(cond, v) {
			return v, true
		}
	}
	return "", false
}

func (e *Evaluator) valueMatches(cond domain.RuleCondition, value string) bool {
	switch cond.Operator {
	case domain.OperatorEquals:
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(cond.Pattern))
	case domain.OperatorContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(cond.Pattern))
	case domain.OperatorRegex:
		re, ok := e.cache.Get(cond.Pattern)
		if !ok {
			return false
		}
		return re.MatchString(value)
	default:
		e.logger.Warn("Unknown condition operator treated as non-matching",
			zap.String("operator", string(cond.Operator)),
			zap.String("field", cond.Field))
		return false
	}
}
