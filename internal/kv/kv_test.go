package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type blob struct {
		Name string `json:"name"`
	}

	found, err := GetJSON(ctx, s, "missing", &blob{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, s, "k", blob{Name: "a"}))

	var out blob
	found, err = GetJSON(ctx, s, "k", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", out.Name)
}

func TestStorageErrorSurfaced(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.FailOn = map[string]error{"set": errors.New("disk full")}

	err := SetJSON(ctx, s, "k", 1)
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.ErrorContains(t, err, "disk full")
}

func TestDecodeFailureIsStorageError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Set(ctx, "k", []byte("{not json")))

	var v map[string]string
	_, err := GetJSON(ctx, s, "k", &v)
	assert.True(t, IsStorageError(err))
}

func TestWrapKeepsNotFound(t *testing.T) {
	assert.ErrorIs(t, Wrap("get", "k", ErrNotFound), ErrNotFound)
	assert.False(t, IsStorageError(Wrap("get", "k", ErrNotFound)))
	assert.NoError(t, Wrap("get", "k", nil))
}
