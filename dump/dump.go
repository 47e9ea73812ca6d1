// Package dump renders key-value stores to a text stream in five modes
// (keys, values, nice, simple, portable), each entry either printed as
// an escaped raw string or, in nice/portable mode, decoded through the
// dbstruct package when the target file's stem is recognized.
package dump

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/fleetstate/agentdb/kv"
)

// Mode selects how dump renders each entry.
type Mode int

const (
	ModeNice Mode = iota
	ModePortable
	ModeSimple
	ModeKeys
	ModeValues
)

func (m Mode) stripStrings() bool { return m == ModeNice }
func (m Mode) useStructs() bool   { return m == ModeNice || m == ModePortable }
func (m Mode) isList() bool       { return m == ModeKeys || m == ModeValues }

// ErrUnknownBinary is returned in nice mode when a value is neither a
// single byte nor a NUL/newline-terminated string; rather than guess at
// an encoding, callers should retry with ModeSimple.
var ErrUnknownBinary = errors.New("dump: unknown binary data in nice mode, retry with simple mode")

// Options configures one dump pass.
type Options struct {
	Mode          Mode
	TskeyFilename string // used only for observations/history averages
}

// Dump walks every entry of env in key order and writes it to w. path
// is the filename the environment was opened from; it drives the
// per-stem struct dispatch in nice/portable mode and is otherwise not
// read.
func Dump(ctx context.Context, w io.Writer, env kv.Env, path string, opts Options) error {
	tx, err := env.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	if opts.Mode.isList() {
		fmt.Fprint(w, "[\n")
	} else {
		fmt.Fprint(w, "{\n")
	}

	for {
		key, value, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		switch opts.Mode {
		case ModeKeys:
			if err := printArrayElement(w, key, false); err != nil {
				return err
			}
		case ModeValues:
			if err := printArrayElement(w, value, false); err != nil {
				return err
			}
		default:
			if err := printKeyValue(w, key, value, path, opts); err != nil {
				return err
			}
		}
	}

	if opts.Mode.isList() {
		fmt.Fprint(w, "]\n")
	} else {
		fmt.Fprint(w, "}\n")
	}
	return nil
}

func printArrayElement(w io.Writer, value []byte, strip bool) error {
	s, err := renderString(value, strip)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\t%s,\n", s)
	return nil
}

func printKeyValue(w io.Writer, key, value []byte, path string, opts Options) error {
	// Keys are never rejected as unknown binary: nice mode only strips a
	// trailing NUL from a C-string key.
	if opts.Mode.stripStrings() && len(key) > 1 && bytes.IndexByte(key, 0) == len(key)-1 {
		key = key[:len(key)-1]
	}
	ks, err := renderString(key, false)
	if err != nil {
		return err
	}

	var vs string
	if opts.Mode.useStructs() {
		vs, err = renderStructOrString(key, value, path, opts)
	} else {
		vs, err = renderString(value, false)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\t%s: %s,\n", ks, vs)
	return nil
}

// renderString emits one escaped string: size 0 prints as "", strip
// chops a trailing NUL off what looks like a C string, and anything
// that doesn't look like either a single byte or a terminated string is
// rejected in nice mode (ErrUnknownBinary).
func renderString(data []byte, strip bool) (string, error) {
	if len(data) == 0 {
		return `""`, nil
	}

	size := len(data)
	if strip {
		nul := strings.IndexByte(string(data), 0)
		known := size == 1 || nul == size-1 || data[size-1] == '\n'
		if !known {
			return "", ErrUnknownBinary
		}
		if size > 1 && nul == size-1 {
			data = data[:nul]
		}
	}

	return `"` + escapeJSON5(data) + `"`, nil
}

// hasStem matches the base filename against a stem, any extension: the
// struct dispatch below must not fire for unrelated files that merely
// share a directory name with a stem.
func hasStem(path, stem string) bool {
	return strings.HasPrefix(filepath.Base(path), stem+".")
}

// renderStructOrString dispatches by the target file's stem, falling
// back to renderString whenever the value's size doesn't match the
// expected struct.
func renderStructOrString(key, value []byte, path string, opts Options) (string, error) {
	switch {
	case hasStem(path, "cf_lastseen") && len(key) > 0 && (key[0] == 'q'):
		if s, ok := renderQuality(value); ok {
			return s, nil
		}
	case hasStem(path, "cf_lock"):
		if s, ok := renderLock(value); ok {
			return s, nil
		}
	case hasStem(path, "cf_observations"):
		if string(key) == "DATABASE_AGE" {
			if s, ok := renderFloat64(value); ok {
				return s, nil
			}
		} else if s, ok := renderAverages(value, opts.TskeyFilename); ok {
			return s, nil
		}
	case hasStem(path, "history") || hasStem(path, "cf_history"):
		if s, ok := renderAverages(value, opts.TskeyFilename); ok {
			return s, nil
		}
	case hasStem(path, "cf_state"):
		if s, ok := renderPersistentClass(value); ok {
			return s, nil
		}
	case hasStem(path, "cf_agent_execution"):
		switch string(key) {
		case "delta_gavr":
			if s, ok := renderFloat64(value); ok {
				return s, nil
			}
		case "last_exec":
			if s, ok := renderInt64(value); ok {
				return s, nil
			}
		}
	}

	return renderString(value, opts.Mode.stripStrings())
}

func renderFloat64(value []byte) (string, bool) {
	if len(value) != 8 {
		return "", false
	}
	f := math.Float64frombits(binary.LittleEndian.Uint64(value))
	return fmt.Sprintf("%f", f), true
}

func renderInt64(value []byte) (string, bool) {
	if len(value) != 8 {
		return "", false
	}
	return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(value))), true
}
