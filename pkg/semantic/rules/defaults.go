package rules

import "github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"

// Defaults returns the built-in forensic rule set, used when no rule file
// is supplied. Severities follow the usual triage buckets; confidences are
// deliberately conservative for single-token rules, which is also why the
// staging rule carries a multi-indicator policy.
func Defaults() []domain.SemanticRule {
	return []domain.SemanticRule{
		{
			ID:       "builtin-browser-activity",
			Label:    "Browser Activity",
			Logic:    domain.LogicAnd,
			Category: "user_activity",
			Severity: "info", Confidence: 0.9,
			Conditions: []domain.RuleCondition{
				{Field: "application", Operator: domain.OperatorRegex, Pattern: `chrome|firefox|msedge|iexplore|opera|brave`},
			},
		},
		{
			ID:       "builtin-remote-admin",
			Label:    "Remote Admin Tool",
			Logic:    domain.LogicAnd,
			Category: "lateral_movement",
			Severity: "high", Confidence: 0.8,
			Conditions: []domain.RuleCondition{
				{Field: "process_name", Operator: domain.OperatorRegex, Pattern: `psexec|winrm|wmic|mstsc|anydesk|teamviewer`},
			},
		},
		{
			ID:       "builtin-script-host",
			Label:    "Script Host Execution",
			Logic:    domain.LogicAnd,
			Category: "execution",
			Severity: "medium", Confidence: 0.7,
			Conditions: []domain.RuleCondition{
				{Field: "process_name", Operator: domain.OperatorRegex, Pattern: `powershell|wscript|cscript|mshta|rundll32`},
			},
		},
		{
			ID:       "builtin-staging-location",
			Label:    "Malware Staging Tool",
			Logic:    domain.LogicAnd,
			Category: "staging",
			Severity: "critical", Confidence: 0.75,
			Conditions: []domain.RuleCondition{
				{Field: "file_path", Operator: domain.OperatorRegex, Pattern: `\\temp\\|\\appdata\\local\\temp|\\programdata\\|\\public\\`},
				{Field: "name", Operator: domain.OperatorRegex, Pattern: `\.exe|\.dll|\.ps1|\.bat|\.vbs`},
			},
			RequiresMultiIndicator: true,
			MinIndicators:          2,
		},
		{
			ID:       "builtin-persistence-location",
			Label:    "Persistence Location",
			Logic:    domain.LogicAnd,
			Category: "persistence",
			Severity: "high", Confidence: 0.7,
			Conditions: []domain.RuleCondition{
				{Field: "file_path", Operator: domain.OperatorRegex, Pattern: `\\startup\\|\\run\\|\\tasks\\|\\winlogon`},
			},
		},
		{
			ID:       "builtin-credential-tool",
			Label:    "Credential Access Tool",
			Logic:    domain.LogicAnd,
			Category: "credential_access",
			Severity: "critical", Confidence: 0.9,
			Conditions: []domain.RuleCondition{
				{Field: "process_name", Operator: domain.OperatorRegex, Pattern: `mimikatz|lazagne|secretsdump|procdump`},
			},
		},
	}
}
