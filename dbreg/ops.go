package dbreg

import (
	"context"

	"github.com/fleetstate/agentdb/kv"
)

// The functions below are thin read/write/cursor wrappers: each opens
// exactly one transaction, so callers needing several operations in one
// atomic unit should use h.Env() directly (as the lastseen package's
// Record does).

func Read(ctx context.Context, h *Handle, key []byte) ([]byte, bool, error) {
	tx, err := h.Env().BeginRo(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Abort()

	v, err := tx.Get(key)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func HasKey(ctx context.Context, h *Handle, key []byte) (bool, error) {
	tx, err := h.Env().BeginRo(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Abort()
	return tx.Has(key)
}

func ValueSize(ctx context.Context, h *Handle, key []byte) (int, bool, error) {
	tx, err := h.Env().BeginRo(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Abort()
	return tx.ValueSize(key)
}

func Write(ctx context.Context, h *Handle, key, value []byte) error {
	tx, err := h.Env().BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := tx.Put(key, value); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

func Delete(ctx context.Context, h *Handle, key []byte) error {
	tx, err := h.Env().BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(key); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Clean truncates every entry in h, used by maintenance tooling.
func Clean(ctx context.Context, h *Handle) error {
	tx, err := h.Env().BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := tx.Clean(); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Cursor owns a write transaction and a cursor over it, exposed as one
// object so callers can interleave Next with Delete/Write at the
// current position. It must be finished with Close (commit) or
// Discard (abort) before the handle is closed.
type Cursor struct {
	tx  kv.RwTx
	cur kv.RwCursor
}

// NewCursor opens a mutable cursor over h.
func NewCursor(ctx context.Context, h *Handle) (*Cursor, error) {
	tx, err := h.Env().BeginRw(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := tx.RwCursor()
	if err != nil {
		tx.Abort()
		return nil, err
	}
	return &Cursor{tx: tx, cur: cur}, nil
}

func (c *Cursor) Next() (key, value []byte, ok bool, err error) { return c.cur.Next() }

// Delete removes the entry at the cursor's current position.
func (c *Cursor) Delete() error { return c.cur.Delete() }

// Write replaces the value at the cursor's current position.
func (c *Cursor) Write(value []byte) error { return c.cur.Put(value) }

// Close commits everything the cursor changed.
func (c *Cursor) Close() error {
	c.cur.Close()
	return c.tx.Commit()
}

// Discard abandons the cursor's changes.
func (c *Cursor) Discard() {
	c.cur.Close()
	c.tx.Abort()
}

// Each opens a read-only cursor over h and calls walk for every entry,
// stopping early if walk returns an error.
func Each(ctx context.Context, h *Handle, walk func(key, value []byte) error) error {
	tx, err := h.Env().BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	for {
		k, v, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := walk(k, v); err != nil {
			return err
		}
	}
}
