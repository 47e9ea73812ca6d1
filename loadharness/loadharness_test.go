package loadharness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetstate/agentdb/dbreg"
	"github.com/fleetstate/agentdb/kv"
)

func seededHandle(t *testing.T, records int) *dbreg.Handle {
	t.Helper()
	h := dbreg.NewHandleForTesting(kv.NewMemEnv())
	ctx := context.Background()
	for i := 0; i < records; i++ {
		key := []byte(fmt.Sprintf("record_%04d", i))
		require.NoError(t, dbreg.Write(ctx, h, key, []byte("payload")))
	}
	return h
}

func keySet(t *testing.T, h *dbreg.Handle) map[string]bool {
	t.Helper()
	keys := make(map[string]bool)
	require.NoError(t, dbreg.Each(context.Background(), h, func(key, value []byte) error {
		keys[string(key)] = true
		return nil
	}))
	return keys
}

func TestHarnessStartStop(t *testing.T) {
	h := seededHandle(t, 50)
	harness := New(h, Config{
		Readers:             2,
		Writers:             2,
		Iterators:           1,
		ReaderKeysRefresh:   50 * time.Millisecond,
		ReaderSleep:         SleepRange{Min: time.Millisecond, Max: 2 * time.Millisecond},
		WriterSamplePercent: 50,
		WriterPruneInterval: 50 * time.Millisecond,
		WriterSleep:         SleepRange{Min: time.Millisecond, Max: 2 * time.Millisecond},
		IteratorSleep:       SleepRange{Min: time.Millisecond, Max: 2 * time.Millisecond},
	})

	before := keySet(t, h)
	require.NoError(t, harness.Start(context.Background()))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, harness.Stop())

	// Writers clean up their derived keys on stop; the real key set is
	// untouched.
	assert.Equal(t, before, keySet(t, h))
}

func TestWriterKeysAreDerived(t *testing.T) {
	key := deriveTestKey(7, []byte("record_0001"))
	assert.Equal(t, "test_7_record_0001", string(key))
	assert.True(t, isTestKey(key))
	assert.False(t, isTestKey([]byte("record_0001")))
}

func TestSampleTemplatesSkipsTestKeys(t *testing.T) {
	h := seededHandle(t, 10)
	ctx := context.Background()
	require.NoError(t, dbreg.Write(ctx, h, deriveTestKey(1, []byte("record_0001")), []byte("x")))

	harness := New(h, Config{WriterSamplePercent: 100})
	templates, err := harness.sampleTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, templates, 10)
	for _, tpl := range templates {
		assert.False(t, isTestKey(tpl.key))
	}
}

func TestSampleTemplatesPercent(t *testing.T) {
	h := seededHandle(t, 100)
	harness := New(h, Config{WriterSamplePercent: 10})
	templates, err := harness.sampleTemplates(context.Background())
	require.NoError(t, err)
	assert.Len(t, templates, 10)
}

func TestPruneTestKeysOnlyRemovesOwn(t *testing.T) {
	h := seededHandle(t, 5)
	ctx := context.Background()
	require.NoError(t, dbreg.Write(ctx, h, deriveTestKey(1, []byte("a")), []byte("x")))
	require.NoError(t, dbreg.Write(ctx, h, deriveTestKey(2, []byte("a")), []byte("x")))

	harness := New(h, Config{})
	require.NoError(t, harness.pruneTestKeys(ctx, 1))

	keys := keySet(t, h)
	assert.False(t, keys["test_1_a"])
	assert.True(t, keys["test_2_a"])
	assert.Len(t, keys, 6)
}

func TestFillAndRemove(t *testing.T) {
	h := seededHandle(t, 10)
	ctx := context.Background()
	before := keySet(t, h)

	fil, err := Fill(ctx, h, 20)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.Env().UsagePercentage(), 20)

	require.NoError(t, fil.Remove(ctx))
	assert.Equal(t, before, keySet(t, h))
}

func TestFillEmptyStoreFails(t *testing.T) {
	h := dbreg.NewHandleForTesting(kv.NewMemEnv())
	_, err := Fill(context.Background(), h, 10)
	assert.Error(t, err)
}
