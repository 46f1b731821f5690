package domain

import "fmt"

// ConditionOperator is how a condition's pattern is compared to a value.
type ConditionOperator string

const (
	OperatorRegex    ConditionOperator = "regex"
	OperatorContains ConditionOperator = "contains"
	OperatorEquals   ConditionOperator = "equals"
)

// RuleCondition is a single predicate over a record field.
// An empty or "*" pattern is a wildcard: it neither matches nor mismatches.
type RuleCondition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Pattern  string            `json:"pattern" yaml:"pattern"`
}

// Wildcard reports whether the condition is ignored during evaluation.
func (c RuleCondition) Wildcard() bool {
	return c.Pattern == "" || c.Pattern == "*" || c.Pattern == ".*"
}

// LogicOperator composes a rule's conditions. Only AND is defined today.
type LogicOperator string

const LogicAnd LogicOperator = "and"

// SemanticRule maps record/identity fields to a human-meaningful label.
// Rules are immutable once loaded.
type SemanticRule struct {
	ID         string          `json:"id" yaml:"id"`
	Label      string          `json:"label" yaml:"label"`
	Logic      LogicOperator   `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []RuleCondition `json:"conditions" yaml:"conditions"`
	Category   string          `json:"category,omitempty" yaml:"category,omitempty"`
	Severity   string          `json:"severity,omitempty" yaml:"severity,omitempty"`
	Confidence float64         `json:"confidence,omitempty" yaml:"confidence,omitempty"`

	// Multi-indicator policy: when set, at least MinIndicators conditions
	// must independently match before the rule is accepted. Guards against
	// false positives from overly generic single-token rules.
	RequiresMultiIndicator bool `json:"requires_multi_indicator,omitempty" yaml:"requires_multi_indicator,omitempty"`
	MinIndicators          int  `json:"min_indicators,omitempty" yaml:"min_indicators,omitempty"`
}

// EffectiveConditions returns the non-wildcard conditions. A rule with none
// of these never matches.
func (r *SemanticRule) EffectiveConditions() []RuleCondition {
	out := make([]RuleCondition, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		if !c.Wildcard() {
			out = append(out, c)
		}
	}
	return out
}

// Validate rejects structurally unusable rules. A min_indicators above the
// condition count makes the rule unmatchable and must be flagged, not
// silently kept.
func (r *SemanticRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule has no id")
	}
	if r.Label == "" {
		return fmt.Errorf("rule %s has no label", r.ID)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s has no conditions", r.ID)
	}
	if r.RequiresMultiIndicator && r.MinIndicators > len(r.Conditions) {
		return fmt.Errorf("rule %s is unmatchable: min_indicators %d exceeds condition count %d",
			r.ID, r.MinIndicators, len(r.Conditions))
	}
	return nil
}

// ToClassification builds the classification payload applied when the rule
// matched with the given technical value.
func (r *SemanticRule) ToClassification(matchedValue string) Classification {
	return Classification{
		Label:      r.Label,
		Value:      matchedValue,
		Category:   r.Category,
		Severity:   r.Severity,
		Confidence: r.Confidence,
		RuleID:     r.ID,
	}
}
