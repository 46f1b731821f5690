package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemanticError_KindsAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")

	tests := []struct {
		name string
		err  error
		kind string
		wrap error
	}{
		{"invalid shape", ErrInvalidResultShape("matches", "missing collection"), "InvalidResultShape", nil},
		{"item skipped", ErrItemSkipped("match m1", nil), "ItemSkipped", nil},
		{"invalid pattern", ErrInvalidPattern("[unclosed", cause), "InvalidPattern", cause},
		{"batch write failed", ErrBatchWriteFailed(3, cause), "BatchWriteFailed", cause},
		{"phase failed", ErrPhaseFailed("classifying", cause), "PhaseFailed", cause},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var se *SemanticError
			require.ErrorAs(t, tt.err, &se)
			assert.Equal(t, tt.kind, se.Kind)
			assert.NotEmpty(t, se.Error())
			if tt.wrap != nil {
				assert.True(t, errors.Is(tt.err, tt.wrap))
			}
		})
	}
}
