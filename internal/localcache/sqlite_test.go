package localcache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetRemove(t *testing.T) {
	t.Parallel()

	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(KeySessionToken)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, c.Set(KeySessionToken, "k2j9f31ab"))

	got, err := c.Get(KeySessionToken)
	require.NoError(t, err)
	assert.Equal(t, "k2j9f31ab", got)

	require.NoError(t, c.Set(KeySessionToken, "z8x4m21cd"))
	got, err = c.Get(KeySessionToken)
	require.NoError(t, err)
	assert.Equal(t, "z8x4m21cd", got, "set must replace the previous value")

	require.NoError(t, c.Remove(KeySessionToken))
	_, err = c.Get(KeySessionToken)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, c.Remove(KeySessionToken), "removing a missing key is a no-op")
}

func TestCache_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Set(KeySessionUserID, "u1"))
	require.NoError(t, c.Set(KeySessionToken, "k2j9f31ab"))
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	userID, err := c2.Get(KeySessionUserID)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	token, err := c2.Get(KeySessionToken)
	require.NoError(t, err)
	assert.Equal(t, "k2j9f31ab", token)
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	assert.Error(t, err)
}
