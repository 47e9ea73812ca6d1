package kv

import (
	"errors"
	"fmt"

	"github.com/erigontech/mdbx-go/mdbx"
)

// Sentinel error kinds surfaced by the adapter, covering the MDBX/LMDB
// error space (the two engines share an error-code range since MDBX
// keeps LMDB API compatibility).
var (
	ErrNotFound        = errors.New("kv: key not found")
	ErrCorrupt         = errors.New("kv: database corrupt")
	ErrMapFull         = errors.New("kv: map full")
	ErrTxnFull         = errors.New("kv: transaction full")
	ErrReadersFull     = errors.New("kv: readers full")
	ErrBadTxn          = errors.New("kv: bad transaction")
	ErrVersionMismatch = errors.New("kv: version mismatch")
	ErrIncompatible    = errors.New("kv: incompatible database")
)

// translateError maps an mdbx-go error into one of this package's sentinel
// kinds, wrapping the sentinel so callers can test with errors.Is. The
// underlying engine error is kept only as text in the message; an error
// with no matching sentinel is wrapped as is.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, mdbx.NotFound):
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	case errors.Is(err, mdbx.Corrupted):
		return fmt.Errorf("%s: %w: %v", op, ErrCorrupt, err)
	case errors.Is(err, mdbx.MapFull):
		return fmt.Errorf("%s: %w: %v", op, ErrMapFull, err)
	case errors.Is(err, mdbx.TxnFull):
		return fmt.Errorf("%s: %w: %v", op, ErrTxnFull, err)
	case errors.Is(err, mdbx.ReadersFull):
		return fmt.Errorf("%s: %w: %v", op, ErrReadersFull, err)
	case errors.Is(err, mdbx.BadTxn):
		return fmt.Errorf("%s: %w: %v", op, ErrBadTxn, err)
	case errors.Is(err, mdbx.VersionMismatch):
		return fmt.Errorf("%s: %w: %v", op, ErrVersionMismatch, err)
	case errors.Is(err, mdbx.Incompatible):
		return fmt.Errorf("%s: %w: %v", op, ErrIncompatible, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
