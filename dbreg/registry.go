package dbreg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/fleetstate/agentdb/kv"
)

// Dirs names the two directories path resolution consults: the canonical
// state directory, and an optional legacy work directory consulted
// read-only for pre-migration installations.
type Dirs struct {
	StateDir string
	WorkDir  string // may be empty; legacy fallback is then disabled
}

// Handle is a reference-counted, open database environment bound to one
// on-disk file. It is never constructed directly; obtain one from a
// Registry via Open/OpenSub.
type Handle struct {
	id   ID
	sub  string
	path string

	mu       sync.Mutex
	refcount int
	env      kv.Env
}

// Env snapshots the handle's engine environment under the handle mutex,
// so a concurrent Close cannot swap the pointer mid-read. The returned
// environment is nil once the last reference has been closed.
func (h *Handle) Env() kv.Env {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.env
}

func (h *Handle) Path() string { return h.path }

// Dir is the directory holding the handle's database file.
func (h *Handle) Dir() string { return filepath.Dir(h.path) }

// Name is the logical name of the handle's database.
func (h *Handle) Name() string { return h.id.String() }

// NewHandleForTesting wraps an already-open Env (typically kv.NewMemEnv())
// as a standalone Handle, bypassing the registry's path resolution and
// lockfile dance. Used by this module's own test suites.
func NewHandleForTesting(env kv.Env) *Handle {
	return &Handle{env: env, refcount: 1, path: "test"}
}

// key identifies a handle slot by logical id plus an optional sub-name.
type key struct {
	id  ID
	sub string
}

// Registry is the process-wide named handle cache. One Registry is
// expected per process; construct it once via New and share it across
// every thread that opens databases.
type Registry struct {
	dirs      Dirs
	migrators map[ID]Migrator

	mu      sync.Mutex // guards table and maxTxns; held during engine I/O only by CloseAll's teardown
	table   map[key]*Handle
	closing bool
	maxTxns int // advisory, applied to handles as they open

	// openEnv is the engine opener, swapped for an in-memory engine by
	// this package's tests.
	openEnv func(path string, flags kv.OpenFlags) (kv.Env, error)
}

// Migrator upgrades an on-disk format in place, inside one write
// transaction supplied by the caller. It returns nil if there was nothing
// to do.
type Migrator func(ctx context.Context, tx kv.RwTx) error

func New(dirs Dirs) *Registry {
	return &Registry{
		dirs:      dirs,
		migrators: make(map[ID]Migrator),
		table:     make(map[key]*Handle),
		openEnv:   kv.OpenMDBX,
	}
}

// RegisterMigrator installs the upgrade function run once at first open
// for the given id. Calling this after any handle for id has been opened
// has no effect on the already-open handle.
func (r *Registry) RegisterMigrator(id ID, m Migrator) {
	r.migrators[id] = m
}

// SetMaxConcurrentTransactions forwards the advisory concurrent-reader
// hint to every currently open handle and records it for handles opened
// later. The engine may not honor it; the kv layer logs a warning when
// it does not.
func (r *Registry) SetMaxConcurrentTransactions(n int) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.table))
	for _, h := range r.table {
		handles = append(handles, h)
	}
	r.maxTxns = n
	r.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		if h.env != nil {
			h.env.SetMaxConcurrentTxns(n)
		}
		h.mu.Unlock()
	}
}

// Open returns a shared, open handle for id, opening it on first use.
func (r *Registry) Open(ctx context.Context, id ID) (*Handle, error) {
	return r.open(ctx, id, "")
}

// OpenSub is Open for a named sub-store sharing the same logical id
// (distinct file, same stem-resolution rules).
func (r *Registry) OpenSub(ctx context.Context, id ID, name string) (*Handle, error) {
	return r.open(ctx, id, name)
}

func (r *Registry) open(ctx context.Context, id ID, sub string) (*Handle, error) {
	k := key{id, sub}

	// The slot itself lives forever once created: handles persist across
	// close/reopen cycles, only the engine environment comes and goes.
	// The registry mutex guards only the table lookup; all engine work
	// happens under the handle's own mutex after the registry mutex is
	// released.
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil, errors.New("dbreg: registry is shutting down")
	}
	h, ok := r.table[k]
	if !ok {
		h = &Handle{id: id, sub: sub}
		r.table[k] = h
	}
	maxTxns := r.maxTxns
	r.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.env != nil {
		h.refcount++
		return h, nil
	}

	path, err := r.resolvePath(id, sub)
	if err != nil {
		return nil, err
	}
	h.path = path

	env, err := r.openWithRecovery(ctx, id, path)
	if err != nil {
		return nil, err
	}

	if maxTxns > 0 {
		env.SetMaxConcurrentTxns(maxTxns)
	}

	h.env = env
	h.refcount = 1
	return h, nil
}

// openWithRecovery is the first-opener path: acquire the lockfile, open
// the engine, on Corrupt move the file aside and retry once, then run
// the migrator.
func (r *Registry) openWithRecovery(ctx context.Context, id ID, path string) (kv.Env, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("dbreg: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	env, err := r.openEnv(path, kv.NoSubdir)
	if errors.Is(err, kv.ErrCorrupt) {
		logrus.WithField("path", path).Warn("corrupt database, moving aside")
		broken := path + ".broken"
		_ = os.Remove(broken)
		if rerr := os.Rename(path, broken); rerr != nil {
			return nil, fmt.Errorf("dbreg: move aside %s: %w", path, rerr)
		}
		env, err = r.openEnv(path, kv.NoSubdir)
	}
	if err != nil {
		return nil, fmt.Errorf("dbreg: open %s: %w", path, err)
	}

	if m, ok := r.migrators[id]; ok {
		if merr := r.runMigrator(ctx, env, m); merr != nil {
			env.Close()
			return nil, fmt.Errorf("dbreg: migrate %s: %w", path, merr)
		}
	}

	return env, nil
}

func (r *Registry) runMigrator(ctx context.Context, env kv.Env, m Migrator) error {
	tx, err := env.BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := m(ctx, tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// resolvePath prefers the legacy work-dir file if it exists, otherwise
// uses the state-dir file.
func (r *Registry) resolvePath(id ID, sub string) (string, error) {
	ext := "mdbx"
	legacyStem := tables[id].legacyStem
	if legacyStem != "" && r.dirs.WorkDir != "" {
		legacy := filepath.Join(r.dirs.WorkDir, withSub(legacyStem, sub)+"."+ext)
		if st, err := os.Lstat(legacy); err == nil && !st.IsDir() {
			return legacy, nil
		}
	}
	return filepath.Join(r.dirs.StateDir, withSub(tables[id].stateStem, sub)+"."+ext), nil
}

func withSub(stem, sub string) string {
	if sub == "" {
		return stem
	}
	return stem + "_" + sub
}

// Close decrements h's refcount, closing the underlying engine when it
// reaches zero. An unmatched extra Close is logged, not fatal; the
// refcount never goes negative. The handle slot stays in the registry
// table; a later Open reopens the engine through the same slot.
func (r *Registry) Close(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refcount <= 0 {
		logrus.WithField("path", h.path).Warn("dbreg: unmatched close")
		return nil
	}
	h.refcount--
	if h.refcount > 0 {
		return nil
	}
	err := h.env.Close()
	h.env = nil
	return err
}

// CloseAll is the process-exit teardown: hold the registry mutex (so no
// new opens can race with teardown), spin-wait up to waitFor for every
// handle's refcount to drop to zero, then force-close whatever remains,
// logging each leak.
func (r *Registry) CloseAll(waitFor time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closing = true

	deadline := time.Now().Add(waitFor)
	const pollInterval = 10 * time.Millisecond

	for k, h := range r.table {
		for {
			h.mu.Lock()
			rc := h.refcount
			h.mu.Unlock()
			if rc <= 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(pollInterval)
		}
		h.mu.Lock()
		if h.refcount > 0 {
			logrus.WithField("path", h.path).WithField("refcount", h.refcount).
				Warn("dbreg: forcing close of leaked handle")
		}
		if h.env != nil {
			if err := h.env.Close(); err != nil {
				logrus.WithField("path", h.path).WithError(err).Error("dbreg: close on exit failed")
			}
			h.env = nil
		}
		h.mu.Unlock()
		delete(r.table, k)
	}
}
