package lastseen

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetstate/agentdb/dbreg"
	"github.com/fleetstate/agentdb/kv"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	h := dbreg.NewHandleForTesting(kv.NewMemEnv())
	return New(h, nil)
}

func at(sec int64) time.Time { return time.Unix(sec, 0) }

// A first record creates the forward, reverse and quality entries together.
func TestRecordNewEntry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "SHA="+strings.Repeat("1", 64), "127.0.0.64", RoleIncoming, at(666)))

	tx, err := r.h.Env().BeginRo(ctx)
	require.NoError(t, err)
	defer tx.Abort()

	hostkey := "SHA=" + strings.Repeat("1", 64)

	q, ok, err := readQuality(tx, []byte("qi"+hostkey))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 666, q.LastSeen)
	assert.Zero(t, q.Q)

	_, ok, err = readQuality(tx, []byte("qo"+hostkey))
	require.NoError(t, err)
	assert.False(t, ok)

	addr, ok, err := readString(tx, []byte("k"+hostkey))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.64", addr)

	back, ok, err := readString(tx, []byte("a127.0.0.64"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hostkey, back)
}

// A second record smooths the inter-arrival statistics.
func TestRecordUpdateSmoothsQuality(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "K", "IP", RoleIncoming, at(555)))
	require.NoError(t, r.Record(ctx, "K", "IP", RoleIncoming, at(1110)))

	tx, err := r.h.Env().BeginRo(ctx)
	require.NoError(t, err)
	defer tx.Abort()

	q, ok, err := readQuality(tx, []byte("qiK"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1110, q.LastSeen)
	assert.InDelta(t, 555.0, q.Q, 1e-9)
	assert.InDelta(t, 222.0, q.Expect, 1e-9)
	assert.InDelta(t, 555.0, q.Dq, 1e-9)
	assert.InDelta(t, 123210.0, q.Var, 1e-6)
}

// Several addresses sharing one key is a legitimate, coherent state.
func TestMultiAddressSingleKeyCoherent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "K1", "IP1", RoleIncoming, at(1)))
	require.NoError(t, r.Record(ctx, "K1", "IP2", RoleIncoming, at(2)))
	require.NoError(t, r.Record(ctx, "K1", "IP3", RoleIncoming, at(3)))

	coherent, err := r.IsCoherent(ctx)
	require.NoError(t, err)
	assert.True(t, coherent)

	tx, err := r.h.Env().BeginRo(ctx)
	require.NoError(t, err)
	defer tx.Abort()
	addr, ok, err := readString(tx, []byte("kK1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "IP3", addr)
}

// Entries written behind the API's back are caught by the coherence scan.
func TestInjectedInconsistencyDetected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tx, err := r.h.Env().BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("aIP1"), []byte("K1")))
	require.NoError(t, tx.Put([]byte("aIP2"), []byte("K2")))
	require.NoError(t, tx.Put([]byte("kK1"), []byte("IP1")))
	require.NoError(t, tx.Commit())

	coherent, err := r.IsCoherent(ctx)
	require.NoError(t, err)
	assert.False(t, coherent)
}

// Deleting by hostkey removes all four associated entries.
func TestDeleteByHostkey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "K", "IP", RoleIncoming, at(555)))
	require.NoError(t, r.Record(ctx, "K", "IP", RoleOutgoing, at(556)))

	ip, removed, err := r.DeleteByHostkey(ctx, "K")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "IP", ip)

	tx, err := r.h.Env().BeginRo(ctx)
	require.NoError(t, err)
	defer tx.Abort()

	for _, key := range []string{"kK", "aIP", "qiK", "qoK"} {
		has, err := tx.Has([]byte(key))
		require.NoError(t, err)
		assert.False(t, has, "expected %s to be absent", key)
	}
}

// A second delete of the same address is a no-op reporting absence.
func TestDeleteByAddressIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "K", "IP", RoleIncoming, at(1)))

	_, removed, err := r.DeleteByAddress(ctx, "IP")
	require.NoError(t, err)
	assert.True(t, removed)

	_, removed, err = r.DeleteByAddress(ctx, "IP")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestResolveAddressToHostkey(t *testing.T) {
	h := dbreg.NewHandleForTesting(kv.NewMemEnv())
	r := New(h, func() (string, bool) { return "SHA=self", true }, "192.0.2.9")
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "K", "10.1.1.1", RoleIncoming, at(1)))

	hk, ok, err := r.ResolveAddressToHostkey(ctx, "10.1.1.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "K", hk)

	// Loopback and configured self addresses short-circuit to the local
	// fingerprint without touching the store.
	for _, self := range []string{"127.0.0.1", "::1", "192.0.2.9"} {
		hk, ok, err = r.ResolveAddressToHostkey(ctx, self)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "SHA=self", hk)
	}

	_, ok, err = r.ResolveAddressToHostkey(ctx, "10.9.9.9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanQuality(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "K1", "IP1", RoleIncoming, at(10)))
	require.NoError(t, r.Record(ctx, "K1", "IP1", RoleOutgoing, at(20)))
	require.NoError(t, r.Record(ctx, "K2", "IP2", RoleIncoming, at(30)))

	type seen struct {
		hostkey, address string
		incoming         bool
	}
	var got []seen
	require.NoError(t, r.ScanQuality(ctx, func(hostkey, address string, incoming bool, q Quality) bool {
		got = append(got, seen{hostkey, address, incoming})
		return true
	}))

	assert.ElementsMatch(t, []seen{
		{"K1", "IP1", true},
		{"K1", "IP1", false},
		{"K2", "IP2", true},
	}, got)
}

func TestScanQualityStopsEarly(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "K1", "IP1", RoleIncoming, at(10)))
	require.NoError(t, r.Record(ctx, "K2", "IP2", RoleIncoming, at(20)))

	calls := 0
	require.NoError(t, r.ScanQuality(ctx, func(string, string, bool, Quality) bool {
		calls++
		return false
	}))
	assert.Equal(t, 1, calls)
}

func TestHostkeyCount(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	n, err := r.HostkeyCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, r.Record(ctx, "K1", "IP1", RoleIncoming, at(1)))
	require.NoError(t, r.Record(ctx, "K2", "IP2", RoleIncoming, at(2)))
	require.NoError(t, r.Record(ctx, "K1", "IP3", RoleOutgoing, at(3)))

	n, err = r.HostkeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPurgeByHostkeyAndAddress(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	hostkey := "SHA=" + strings.Repeat("3", 64)
	require.NoError(t, r.Record(ctx, hostkey, "10.0.0.1", RoleIncoming, at(1)))

	ip, status, err := r.Purge(ctx, hostkey, true)
	require.NoError(t, err)
	assert.Equal(t, PurgeOK, status)
	assert.Equal(t, "10.0.0.1", ip)

	_, status, err = r.Purge(ctx, hostkey, true)
	require.NoError(t, err)
	assert.Equal(t, PurgeDigestNotFound, status)

	require.NoError(t, r.Record(ctx, hostkey, "10.0.0.1", RoleIncoming, at(2)))
	hk, status, err := r.Purge(ctx, "10.0.0.1", true)
	require.NoError(t, err)
	assert.Equal(t, PurgeOK, status)
	assert.Equal(t, hostkey, hk)

	_, status, err = r.Purge(ctx, "10.0.0.1", true)
	require.NoError(t, err)
	assert.Equal(t, PurgeHostNotFound, status)
}

func TestPurgeRefusesWhenIncoherent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tx, err := r.h.Env().BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("aIP1"), []byte("SHA="+strings.Repeat("2", 64))))
	require.NoError(t, tx.Commit())

	_, status, err := r.Purge(ctx, "SHA="+strings.Repeat("2", 64), true)
	require.NoError(t, err)
	assert.Equal(t, PurgeRefusedIncoherent, status)
}
