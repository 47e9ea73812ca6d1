package dbreg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetstate/agentdb/kv"
)

// trackingEnv wraps a memory env so tests can observe Close.
type trackingEnv struct {
	kv.Env
	closed bool
}

func (e *trackingEnv) Close() error {
	e.closed = true
	return e.Env.Close()
}

func testRegistry(t *testing.T) (*Registry, map[string]*trackingEnv) {
	t.Helper()
	opened := make(map[string]*trackingEnv)
	var mu sync.Mutex

	r := New(Dirs{StateDir: t.TempDir()})
	r.openEnv = func(path string, flags kv.OpenFlags) (kv.Env, error) {
		mu.Lock()
		defer mu.Unlock()
		env := &trackingEnv{Env: kv.NewMemEnv()}
		opened[path] = env
		return env, nil
	}
	return r, opened
}

func TestOpenIsSharedAndRefcounted(t *testing.T) {
	r, opened := testRegistry(t)
	ctx := context.Background()

	h1, err := r.Open(ctx, Lastseen)
	require.NoError(t, err)
	h2, err := r.Open(ctx, Lastseen)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Len(t, opened, 1)

	require.NoError(t, r.Close(h1))
	env := opened[h1.Path()]
	assert.False(t, env.closed, "env closed while a reference remains")

	require.NoError(t, r.Close(h2))
	assert.True(t, env.closed)
}

func TestOpenSubIsDistinct(t *testing.T) {
	r, opened := testRegistry(t)
	ctx := context.Background()

	h1, err := r.Open(ctx, State)
	require.NoError(t, err)
	h2, err := r.OpenSub(ctx, State, "workers")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Len(t, opened, 2)
}

func TestExcessCloseIsHarmless(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	h, err := r.Open(ctx, Locks)
	require.NoError(t, err)
	require.NoError(t, r.Close(h))
	assert.NoError(t, r.Close(h)) // logged, not fatal

	// The registry still works afterwards.
	h2, err := r.Open(ctx, Locks)
	require.NoError(t, err)
	require.NoError(t, r.Close(h2))
}

func TestMigratorRunsOnFirstOpen(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	runs := 0
	r.RegisterMigrator(Lastseen, func(ctx context.Context, tx kv.RwTx) error {
		runs++
		return tx.Put([]byte("version"), []byte("1"))
	})

	h, err := r.Open(ctx, Lastseen)
	require.NoError(t, err)
	defer r.Close(h)

	v, found, err := Read(ctx, h, []byte("version"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))
	assert.Equal(t, 1, runs)

	// Second opener shares the handle; the migrator does not run again.
	h2, err := r.Open(ctx, Lastseen)
	require.NoError(t, err)
	defer r.Close(h2)
	assert.Equal(t, 1, runs)
}

func TestMigratorFailureFailsOpen(t *testing.T) {
	r, opened := testRegistry(t)
	ctx := context.Background()

	boom := errors.New("boom")
	r.RegisterMigrator(Audit, func(ctx context.Context, tx kv.RwTx) error {
		return boom
	})

	_, err := r.Open(ctx, Audit)
	require.ErrorIs(t, err, boom)
	for _, env := range opened {
		assert.True(t, env.closed, "engine left open after failed migration")
	}
}

func TestCorruptStoreIsMovedAside(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	// First open attempt reports corruption; the registry must rename the
	// file to .broken and retry once.
	calls := 0
	r.openEnv = func(path string, flags kv.OpenFlags) (kv.Env, error) {
		calls++
		if calls == 1 {
			return nil, kv.ErrCorrupt
		}
		return &trackingEnv{Env: kv.NewMemEnv()}, nil
	}

	path, err := r.resolvePath(Checksums, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	h, err := r.Open(ctx, Checksums)
	require.NoError(t, err)
	defer r.Close(h)

	assert.Equal(t, 2, calls)
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".broken")
}

func TestLegacyPathPreferred(t *testing.T) {
	stateDir := t.TempDir()
	workDir := t.TempDir()
	r := New(Dirs{StateDir: stateDir, WorkDir: workDir})

	// Performance is the one id with a legacy work-dir stem.
	legacy := filepath.Join(workDir, "cf_performance.mdbx")
	require.NoError(t, os.WriteFile(legacy, []byte("x"), 0o644))

	path, err := r.resolvePath(Performance, "")
	require.NoError(t, err)
	assert.Equal(t, legacy, path)

	// Without the legacy file the state-dir path wins.
	require.NoError(t, os.Remove(legacy))
	path, err = r.resolvePath(Performance, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(stateDir, "performance.mdbx"), path)
}

func TestCloseAllForcesLeakedHandles(t *testing.T) {
	r, opened := testRegistry(t)
	ctx := context.Background()

	h, err := r.Open(ctx, History)
	require.NoError(t, err)
	_ = h // leaked on purpose: never closed

	r.CloseAll(50 * time.Millisecond)
	for _, env := range opened {
		assert.True(t, env.closed)
	}

	// No new opens after teardown.
	_, err = r.Open(ctx, History)
	assert.Error(t, err)
}

func TestConcurrentOpenersShareOneEnv(t *testing.T) {
	r, opened := testRegistry(t)
	ctx := context.Background()

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Open(ctx, Variables)
			if err == nil {
				handles[i] = h
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, opened, 1)
	for _, h := range handles {
		require.NotNil(t, h)
		assert.Same(t, handles[0], h)
		require.NoError(t, r.Close(h))
	}
}

func TestReadWriteDeleteRoundTrip(t *testing.T) {
	h := NewHandleForTesting(kv.NewMemEnv())
	ctx := context.Background()

	_, found, err := Read(ctx, h, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, Write(ctx, h, []byte("k"), []byte("v")))

	v, found, err := Read(ctx, h, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))

	has, err := HasKey(ctx, h, []byte("k"))
	require.NoError(t, err)
	assert.True(t, has)

	size, found, err := ValueSize(ctx, h, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, size)

	require.NoError(t, Delete(ctx, h, []byte("k")))
	has, err = HasKey(ctx, h, []byte("k"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestClean(t *testing.T) {
	h := NewHandleForTesting(kv.NewMemEnv())
	ctx := context.Background()

	require.NoError(t, Write(ctx, h, []byte("a"), []byte("1")))
	require.NoError(t, Write(ctx, h, []byte("b"), []byte("2")))
	require.NoError(t, Clean(ctx, h))

	count := 0
	require.NoError(t, Each(ctx, h, func(key, value []byte) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestCursorDeleteAndWrite(t *testing.T) {
	h := NewHandleForTesting(kv.NewMemEnv())
	ctx := context.Background()

	require.NoError(t, Write(ctx, h, []byte("a"), []byte("1")))
	require.NoError(t, Write(ctx, h, []byte("b"), []byte("2")))
	require.NoError(t, Write(ctx, h, []byte("c"), []byte("3")))

	cur, err := NewCursor(ctx, h)
	require.NoError(t, err)
	for {
		key, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		switch string(key) {
		case "a":
			require.NoError(t, cur.Delete())
		case "b":
			require.NoError(t, cur.Write([]byte("two")))
		}
	}
	require.NoError(t, cur.Close())

	_, found, err := Read(ctx, h, []byte("a"))
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := Read(ctx, h, []byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "two", string(v))
}

func TestIDForPath(t *testing.T) {
	id, ok := IDForPath("/var/fleetstate/state/cf_lastseen.mdbx")
	require.True(t, ok)
	assert.Equal(t, Lastseen, id)

	id, ok = IDForPath("cf_performance.mdbx") // legacy stem
	require.True(t, ok)
	assert.Equal(t, Performance, id)

	_, ok = IDForPath("unrelated.mdbx")
	assert.False(t, ok)
}
