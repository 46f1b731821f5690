package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadRules_BuiltinsWhenNoFile(t *testing.T) {
	ruleSet, invalid, err := loadRules("", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Empty(t, invalid)
	assert.NotEmpty(t, ruleSet)
	for _, r := range ruleSet {
		assert.NotEmpty(t, r.ID)
		assert.NotEmpty(t, r.Conditions)
	}
}

func TestLoadRules_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: custom-tool
    label: Custom Tool
    category: execution
    severity: medium
    conditions:
      - field: process_name
        operator: contains
        pattern: mytool
`), 0o644))

	ruleSet, invalid, err := loadRules(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Empty(t, invalid)
	require.Len(t, ruleSet, 1)
	assert.Equal(t, "custom-tool", ruleSet[0].ID)
}
