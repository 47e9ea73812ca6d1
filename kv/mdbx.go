package kv

import (
	"context"
	"fmt"

	"github.com/erigontech/mdbx-go/mdbx"
	"github.com/sirupsen/logrus"
)

// mdbxEnv adapts mdbx-go's Env to this package's engine-agnostic Env
// interface. Naming follows the same env/txn/dbi/cursor vocabulary the
// mdbx-go and lmdb-go families both use.
type mdbxEnv struct {
	env     *mdbx.Env
	dbi     mdbx.DBI
	path    string
	maxTxns int
	log     *logrus.Entry
}

// OpenMDBX creates and opens an environment at path with the given flags.
// It opens the single unnamed database inside it, matching the adapter's
// open_main_db contract: this module never uses named sub-databases.
func OpenMDBX(path string, flags OpenFlags) (Env, error) {
	env, err := mdbx.NewEnv(mdbx.Default)
	if err != nil {
		return nil, fmt.Errorf("kv: create env: %w", err)
	}

	var envFlags uint
	if flags&NoSubdir != 0 {
		envFlags |= mdbx.NoSubdir
	}
	if flags&ReadOnly != 0 {
		envFlags |= mdbx.Readonly
	}

	if err := env.Open(path, envFlags, 0644); err != nil {
		env.Close()
		return nil, translateError("open", err)
	}

	dbi, err := openMainDBI(env, flags&ReadOnly != 0)
	if err != nil {
		env.Close()
		return nil, err
	}

	return &mdbxEnv{
		env:  env,
		dbi:  dbi,
		path: path,
		log:  logrus.WithField("db", path),
	}, nil
}

func openMainDBI(env *mdbx.Env, readOnly bool) (mdbx.DBI, error) {
	var flags uint
	if readOnly {
		flags |= mdbx.Readonly
	}
	txn, err := env.BeginTxn(nil, flags)
	if err != nil {
		return 0, translateError("begin", err)
	}
	dbi, err := txn.OpenRoot(0)
	if err != nil {
		txn.Abort()
		return 0, translateError("open root db", err)
	}
	if readOnly {
		txn.Abort()
	} else if _, err := txn.Commit(); err != nil {
		return 0, translateError("commit open", err)
	}
	return dbi, nil
}

func (e *mdbxEnv) BeginRo(ctx context.Context) (Tx, error) {
	txn, err := e.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, translateError("begin ro", err)
	}
	return &mdbxTx{txn: txn, dbi: e.dbi}, nil
}

func (e *mdbxEnv) BeginRw(ctx context.Context) (RwTx, error) {
	txn, err := e.env.BeginTxn(nil, 0)
	if err != nil {
		return nil, translateError("begin rw", err)
	}
	return &mdbxRwTx{mdbxTx{txn: txn, dbi: e.dbi}}, nil
}

func (e *mdbxEnv) SetMaxConcurrentTxns(n int) {
	if err := e.env.SetOption(mdbx.OptMaxReaders, uint64(n)); err != nil {
		e.log.WithError(err).Warn("engine did not honor max concurrent transaction hint")
		return
	}
	e.maxTxns = n
}

func (e *mdbxEnv) UsagePercentage() int {
	info, err := e.env.Info(nil)
	if err != nil {
		return -1
	}
	if info.MapSize == 0 {
		return -1
	}
	used := info.LastPNO * os_page_size
	return int(used * 100 / info.MapSize)
}

func (e *mdbxEnv) FileExtension() string { return "mdbx" }

func (e *mdbxEnv) Close() error {
	e.env.Close()
	return nil
}

// os_page_size is the engine's page size assumption for usage estimation;
// mdbx reports page counts, not bytes, so this converts LastPNO into a byte
// figure comparable with MapSize. 4096 matches mdbx's default OS page size
// on every platform this module targets.
const os_page_size int64 = 4096

type mdbxTx struct {
	txn *mdbx.Txn
	dbi mdbx.DBI
}

func (t *mdbxTx) Get(key []byte) ([]byte, error) {
	v, err := t.txn.Get(t.dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, translateError("get", err)
	}
	return v, nil
}

func (t *mdbxTx) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(t.dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return false, nil
		}
		return false, translateError("has", err)
	}
	return true, nil
}

func (t *mdbxTx) ValueSize(key []byte) (int, bool, error) {
	v, err := t.txn.Get(t.dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, translateError("value size", err)
	}
	return len(v), true, nil
}

func (t *mdbxTx) Cursor() (Cursor, error) {
	c, err := t.txn.OpenCursor(t.dbi)
	if err != nil {
		return nil, translateError("open cursor", err)
	}
	return &mdbxCursor{cur: c}, nil
}

func (t *mdbxTx) Abort() { t.txn.Abort() }

type mdbxRwTx struct{ mdbxTx }

func (t *mdbxRwTx) Put(key, value []byte) error {
	if err := t.txn.Put(t.dbi, key, value, 0); err != nil {
		return translateError("put", err)
	}
	return nil
}

func (t *mdbxRwTx) Delete(key []byte) error {
	if err := t.txn.Del(t.dbi, key, nil); err != nil {
		if mdbx.IsNotFound(err) {
			return ErrNotFound
		}
		return translateError("delete", err)
	}
	return nil
}

func (t *mdbxRwTx) Clean() error {
	if err := t.txn.Drop(t.dbi, false); err != nil {
		return translateError("clean", err)
	}
	return nil
}

func (t *mdbxRwTx) RwCursor() (RwCursor, error) {
	c, err := t.txn.OpenCursor(t.dbi)
	if err != nil {
		return nil, translateError("open rw cursor", err)
	}
	return &mdbxRwCursor{mdbxCursor{cur: c}}, nil
}

func (t *mdbxRwTx) Commit() error {
	if _, err := t.txn.Commit(); err != nil {
		return translateError("commit", err)
	}
	return nil
}

type mdbxCursor struct {
	cur     *mdbx.Cursor
	started bool
}

func (c *mdbxCursor) Next() (key, value []byte, ok bool, err error) {
	var op uint = mdbx.Next
	if !c.started {
		op = mdbx.First
		c.started = true
	}
	k, v, err := c.cur.Get(nil, nil, op)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, translateError("cursor next", err)
	}
	return k, v, true, nil
}

func (c *mdbxCursor) Close() { c.cur.Close() }

type mdbxRwCursor struct{ mdbxCursor }

func (c *mdbxRwCursor) Delete() error {
	if err := c.cur.Del(0); err != nil {
		return translateError("cursor delete", err)
	}
	return nil
}

func (c *mdbxRwCursor) Put(value []byte) error {
	k, _, err := c.cur.Get(nil, nil, mdbx.GetCurrent)
	if err != nil {
		return translateError("cursor current", err)
	}
	if err := c.cur.Put(k, value, mdbx.Current); err != nil {
		return translateError("cursor put", err)
	}
	return nil
}
