package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticValidate(t *testing.T) {
	t.Parallel()
	source := map[string]int64{"Secret-Token-1": 7, "another": 9}
	v := NewStatic(source)

	id, err := v.Validate("Secret-Token-1")
	require.NoError(t, err, "known token should validate")
	assert.Equal(t, int64(7), id, "token should resolve to its user")

	_, err = v.Validate("secret-token-1")
	assert.ErrorIs(t, err, ErrInvalidToken, "token matching should be case sensitive")

	_, err = v.Validate("missing")
	assert.ErrorIs(t, err, ErrInvalidToken, "unknown token should be rejected")

	source["Secret-Token-1"] = 42
	id, err = v.Validate("Secret-Token-1")
	require.NoError(t, err, "token should still validate after source mutation")
	assert.Equal(t, int64(7), id, "validator should not observe source mutation")
}
