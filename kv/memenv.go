package kv

import (
	"context"
	"sort"
	"sync"
)

// memEnv is an in-memory stand-in for an mdbx-backed Env, used by this
// module's own test suites so they can exercise dbreg/lastseen/validate
// logic without a real mmap-backed engine file. It keeps everything in a
// map guarded by one mutex: a write transaction holds that mutex until
// Commit or Abort, and BeginRo takes it to copy a point-in-time snapshot,
// so unlike the mdbx adapter a reader blocks while a writer is open.
type memEnv struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemEnv returns an Env backed by an in-memory map. Not for production
// use: it exists for tests in this module and in its callers.
func NewMemEnv() Env {
	return &memEnv{data: make(map[string][]byte)}
}

func (e *memEnv) BeginRo(ctx context.Context) (Tx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make(map[string][]byte, len(e.data))
	for k, v := range e.data {
		snap[k] = append([]byte(nil), v...)
	}
	return &memTx{snapshot: snap}, nil
}

func (e *memEnv) BeginRw(ctx context.Context) (RwTx, error) {
	e.mu.Lock() // released on Commit/Abort
	return &memRwTx{memTx: memTx{snapshot: e.data}, env: e}, nil
}

func (e *memEnv) SetMaxConcurrentTxns(int) {}

func (e *memEnv) UsagePercentage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.data) / 100
}

func (e *memEnv) FileExtension() string { return "memdb" }

func (e *memEnv) Close() error { return nil }

type memTx struct {
	snapshot map[string][]byte
}

func (t *memTx) Get(key []byte) ([]byte, error) {
	v, ok := t.snapshot[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (t *memTx) Has(key []byte) (bool, error) {
	_, ok := t.snapshot[string(key)]
	return ok, nil
}

func (t *memTx) ValueSize(key []byte) (int, bool, error) {
	v, ok := t.snapshot[string(key)]
	if !ok {
		return 0, false, nil
	}
	return len(v), true, nil
}

func (t *memTx) Cursor() (Cursor, error) {
	keys := make([]string, 0, len(t.snapshot))
	for k := range t.snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &memCursor{tx: t, keys: keys, pos: -1}, nil
}

func (t *memTx) Abort() {}

type memRwTx struct {
	memTx
	env     *memEnv
	pending map[string][]byte
	deleted map[string]bool
	done    bool
}

func (t *memRwTx) Put(key, value []byte) error {
	if t.pending == nil {
		t.pending = make(map[string][]byte)
	}
	t.pending[string(key)] = append([]byte(nil), value...)
	if t.deleted != nil {
		delete(t.deleted, string(key))
	}
	return nil
}

func (t *memRwTx) Delete(key []byte) error {
	if _, ok := t.snapshot[string(key)]; !ok {
		if t.pending == nil || t.pending[string(key)] == nil {
			return ErrNotFound
		}
	}
	if t.deleted == nil {
		t.deleted = make(map[string]bool)
	}
	t.deleted[string(key)] = true
	if t.pending != nil {
		delete(t.pending, string(key))
	}
	return nil
}

func (t *memRwTx) Clean() error {
	for k := range t.snapshot {
		if t.deleted == nil {
			t.deleted = make(map[string]bool)
		}
		t.deleted[k] = true
	}
	t.pending = nil
	return nil
}

func (t *memRwTx) RwCursor() (RwCursor, error) {
	keys := make([]string, 0, len(t.snapshot))
	for k := range t.snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &memRwCursor{memCursor{tx: &t.memTx, keys: keys, pos: -1}, t}, nil
}

func (t *memRwTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.env.mu.Unlock()
	for k := range t.deleted {
		delete(t.env.data, k)
	}
	for k, v := range t.pending {
		t.env.data[k] = v
	}
	return nil
}

func (t *memRwTx) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.env.mu.Unlock()
}

type memCursor struct {
	tx   *memTx
	keys []string
	pos  int
}

func (c *memCursor) Next() (key, value []byte, ok bool, err error) {
	c.pos++
	if c.pos >= len(c.keys) {
		return nil, nil, false, nil
	}
	k := c.keys[c.pos]
	return []byte(k), c.tx.snapshot[k], true, nil
}

func (c *memCursor) Close() {}

type memRwCursor struct {
	memCursor
	rwtx *memRwTx
}

func (c *memRwCursor) Delete() error {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return ErrNotFound
	}
	return c.rwtx.Delete([]byte(c.keys[c.pos]))
}

func (c *memRwCursor) Put(value []byte) error {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return ErrNotFound
	}
	return c.rwtx.Put([]byte(c.keys[c.pos]), value)
}
