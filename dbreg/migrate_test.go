package dbreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetstate/agentdb/kv"
)

// v0Record builds a pre-migration value: NUL-terminated address followed
// by the quality blob (the schema comment's address+quality layout).
func v0Record(address string, quality []byte) []byte {
	out := append([]byte(address), 0)
	return append(out, quality...)
}

func runLastseenMigrator(t *testing.T, env kv.Env) {
	t.Helper()
	ctx := context.Background()
	tx, err := env.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, LastseenMigrator(ctx, tx))
	require.NoError(t, tx.Commit())
}

func get(t *testing.T, env kv.Env, key string) ([]byte, bool) {
	t.Helper()
	tx, err := env.BeginRo(context.Background())
	require.NoError(t, err)
	defer tx.Abort()
	v, err := tx.Get([]byte(key))
	if err == kv.ErrNotFound {
		return nil, false
	}
	require.NoError(t, err)
	return v, true
}

func TestLastseenMigratorUpgradesV0(t *testing.T) {
	env := kv.NewMemEnv()
	ctx := context.Background()

	quality := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	tx, err := env.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("iHOSTKEY1"), v0Record("10.0.0.1", quality)))
	require.NoError(t, tx.Put([]byte("oHOSTKEY2"), v0Record("10.0.0.2", quality)))
	require.NoError(t, tx.Commit())

	runLastseenMigrator(t, env)

	v, ok := get(t, env, "version")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	v, ok = get(t, env, "qiHOSTKEY1")
	require.True(t, ok)
	assert.Equal(t, quality, v)

	v, ok = get(t, env, "kHOSTKEY1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", string(v))

	v, ok = get(t, env, "a10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "HOSTKEY1", string(v))

	_, ok = get(t, env, "qoHOSTKEY2")
	assert.True(t, ok)

	// The v0 records themselves are gone.
	_, ok = get(t, env, "iHOSTKEY1")
	assert.False(t, ok)
	_, ok = get(t, env, "oHOSTKEY2")
	assert.False(t, ok)
}

func TestLastseenMigratorIsIdempotent(t *testing.T) {
	env := kv.NewMemEnv()
	ctx := context.Background()

	tx, err := env.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("version"), []byte("1")))
	require.NoError(t, tx.Put([]byte("kHOSTKEY"), []byte("10.0.0.1")))
	require.NoError(t, tx.Put([]byte("a10.0.0.1"), []byte("HOSTKEY")))
	require.NoError(t, tx.Commit())

	runLastseenMigrator(t, env)

	// Nothing rewritten: the v1 entries stand as they were.
	v, ok := get(t, env, "kHOSTKEY")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", string(v))
}

func TestLastseenMigratorLeavesV1FamiliesAlone(t *testing.T) {
	env := kv.NewMemEnv()
	ctx := context.Background()

	// An unversioned store holding only v1-shaped key families (k/a/qi)
	// has nothing to convert; the migrator just stamps the version.
	tx, err := env.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("kHOSTKEY"), []byte("10.0.0.1")))
	require.NoError(t, tx.Put([]byte("a10.0.0.1"), []byte("HOSTKEY")))
	require.NoError(t, tx.Put([]byte("qiHOSTKEY"), []byte{1, 2, 3}))
	require.NoError(t, tx.Commit())

	runLastseenMigrator(t, env)

	v, ok := get(t, env, "version")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	v, ok = get(t, env, "qiHOSTKEY")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, v)
}
