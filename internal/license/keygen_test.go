package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyFormat(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, 23) // 4*5 chars + 3 dashes
	assert.Regexp(t, `^[0-9A-F]{5}-[0-9A-F]{5}-[0-9A-F]{5}-[0-9A-F]{5}$`, key)
	assert.True(t, ValidKeyFormat(key))
}

func TestGenerateKeyUnpredictable(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.False(t, seen[key], "duplicate key %s after %d generations", key, i)
		seen[key] = true
	}
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"AB12C-3D4E5-F6G78-9H0IJ", true}, // non-hex alphanumerics from older generations
		{"7F3A1-09BC4-D21E8-5A6F0", true},
		{"", false},
		{"AB12C3D4E5F6G789H0IJ", false},     // missing dashes
		{"ab12c-3d4e5-f6g78-9h0ij", false},  // lowercase
		{"AB12C-3D4E5-F6G78", false},        // too few segments
		{"AB12C-3D4E5-F6G78-9H0IJ-X", false},
		{"AB1!C-3D4E5-F6G78-9H0IJ", false},  // symbol
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidKeyFormat(tt.key), "key %q", tt.key)
	}
}
