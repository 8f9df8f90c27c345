package arbiter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionToken_ShapeAndAlphabet(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		tok, err := NewSessionToken()
		require.NoError(t, err)

		assert.Len(t, tok, 9)
		for _, r := range tok {
			assert.True(t, strings.ContainsRune(tokenAlphabet, r), "unexpected rune %q in %q", r, tok)
		}
		seen[tok] = struct{}{}
	}

	assert.Greater(t, len(seen), 60, "tokens must be effectively unique")
}
