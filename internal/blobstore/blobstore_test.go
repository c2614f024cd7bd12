package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir_PutGetList(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := d.Get(ctx, "artifact/run-1/dist")
	require.NoError(t, err)
	assert.False(t, ok, "missing key is not an error")

	replaced, err := d.Put(ctx, "artifact/run-1/dist", []byte("one"))
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = d.Put(ctx, "artifact/run-1/dist", []byte("two"))
	require.NoError(t, err)
	assert.True(t, replaced)

	data, ok, err := d.Get(ctx, "artifact/run-1/dist")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", string(data))

	_, err = d.Put(ctx, "cache/key with spaces", []byte("x"))
	require.NoError(t, err)

	keys, err := d.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"artifact/run-1/dist", "cache/key with spaces"}, keys)
}
