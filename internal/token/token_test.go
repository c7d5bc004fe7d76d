package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNewUnique verifies tokens are distinct across calls
func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := New()
		assert.False(t, seen[tok], "token %q repeated", tok)
		seen[tok] = true
	}
}

// TestNewAlphabet verifies tokens only use the URL-safe alphabet
func TestNewAlphabet(t *testing.T) {
	tok := New()
	assert.Len(t, tok, 26)
	for _, r := range tok {
		assert.True(t, strings.ContainsRune(alphabet, r), "unexpected rune %q", r)
	}
}

// TestVersionLength verifies version tokens are 8 characters
func TestVersionLength(t *testing.T) {
	assert.Len(t, Version(), 8)
	assert.NotEqual(t, Version(), Version())
}
