// Copyright 2021 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package kv is a minimal, engine-agnostic contract over an embedded
// ordered key-value store. It exists so the rest of this module never
// imports mdbx-go directly: swapping the storage engine only ever
// touches this package.
package kv

import "context"

// MaxKeySize is the longest key this package will hand to the engine.
// Values have no fixed limit beyond what the engine itself enforces.
const MaxKeySize = 511

// OpenFlags mirror the handful of environment flags the rest of this
// module actually needs; anything engine-specific beyond this set stays
// inside the mdbx implementation file.
type OpenFlags uint

const (
	Default  OpenFlags = 0
	NoSubdir OpenFlags = 1 << iota
	ReadOnly
)

// Env is one open database file (environment, in mdbx/lmdb terms).
type Env interface {
	// BeginRo/BeginRw start a read-only or read-write transaction. Only one
	// write transaction may be active at a time; readers never block on it.
	BeginRo(ctx context.Context) (Tx, error)
	BeginRw(ctx context.Context) (RwTx, error)

	// SetMaxConcurrentTxns is advisory; the mdbx implementation logs a
	// warning if the engine rejects the hint.
	SetMaxConcurrentTxns(n int)

	// UsagePercentage estimates used_bytes/map_size*100, or -1 if unknown.
	UsagePercentage() int

	// FileExtension is the suffix this engine expects on its data file.
	FileExtension() string

	Close() error
}

// Tx is a read-only transaction. It owns a consistent snapshot as of the
// moment it began; it must be closed (Abort, which is always safe to call
// even on a committed/aborted tx a second time as a no-op in this module's
// usage) by the caller.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	ValueSize(key []byte) (int, bool, error)

	Cursor() (Cursor, error)

	Abort()
}

// RwTx additionally allows mutation; it must be committed or aborted.
type RwTx interface {
	Tx

	Put(key, value []byte) error
	Delete(key []byte) error

	// Clean truncates every entry in the database, used by maintenance
	// operations (dbreg.Clean).
	Clean() error

	RwCursor() (RwCursor, error)

	Commit() error
}

// Cursor walks an open transaction's key space in order.
type Cursor interface {
	Next() (key, value []byte, ok bool, err error)
	Close()
}

// RwCursor additionally allows mutation at the cursor's current position.
type RwCursor interface {
	Cursor

	Delete() error
	Put(value []byte) error
}
