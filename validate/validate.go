// Package validate implements the per-store invariant checker: a single
// forward cursor pass accumulates per-entry state, then a second pass
// checks cross-entry invariants once the scan is complete. The
// validator never mutates the store it reads.
package validate

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/fleetstate/agentdb/dbreg"
	"github.com/fleetstate/agentdb/kv"
)

// Mode selects how deeply a store's entries are checked: Minimal only
// confirms keys/values are readable, Lastseen runs the full coherence
// machinery, Unknown checks only that keys and values are non-empty.
// No mode requires keys to be NUL-terminated.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeMinimal
	ModeLastseen
)

// ModeFor selects a store's validator mode from its logical id.
func ModeFor(id dbreg.ID) Mode {
	switch id {
	case dbreg.Lastseen:
		return ModeLastseen
	case dbreg.Changes:
		return ModeMinimal
	default:
		return ModeUnknown
	}
}

// Birth is 1993-01-01; timestamps before it are assumed corrupt.
const Birth int64 = 725846400

// Result is the outcome of one Run: the accumulated error count (zero
// means success) plus the formatted message for each defect, in the
// order encountered, feeding the CLI's "Error in <path>: <message>"
// lines.
type Result struct {
	Path   string
	Errors []string
}

// Count is the number of entries in Errors; zero means the store
// validated cleanly.
func (r Result) Count() int { return len(r.Errors) }

func (r *Result) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type lastseenState struct {
	hostkeyToAddress map[string]string
	addressToHostkey map[string]string
	qualityIncoming  map[string]bool
	qualityOutgoing  map[string]bool
}

// Run validates every entry of env (opened from path, used only for
// message context and id dispatch) and returns the accumulated Result.
// now is the reference time used for future-timestamp detection; pass
// time.Now() in production callers, a fixed time in tests.
func Run(ctx context.Context, env kv.Env, path string, id dbreg.ID, now time.Time) (Result, error) {
	res := Result{Path: path}
	mode := ModeFor(id)

	tx, err := env.BeginRo(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return res, err
	}
	defer cur.Close()

	seenKeys := make(map[string]bool)
	var ls lastseenState
	if mode == ModeLastseen {
		ls = lastseenState{
			hostkeyToAddress: make(map[string]string),
			addressToHostkey: make(map[string]string),
			qualityIncoming:  make(map[string]bool),
			qualityOutgoing:  make(map[string]bool),
		}
	}

	for {
		key, value, ok, err := cur.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}

		if mode == ModeMinimal {
			// Minimal mode only confirms the entry is readable; the
			// cursor read above already proved that.
			continue
		}

		keyStr, ok := validateString(&res, key)
		if !ok {
			continue
		}
		if len(value) == 0 {
			res.fail("0 size value")
			continue
		}
		if seenKeys[keyStr] {
			res.fail("Duplicate key - '%s'", keyStr)
			continue
		}
		seenKeys[keyStr] = true

		if mode == ModeLastseen {
			updateLastseen(&res, &ls, keyStr, value, now)
		}
	}

	if mode == ModeLastseen {
		checkLastseenState(&res, &ls)
	}

	return res, nil
}

// validateString checks that an entry is a non-empty string usable by
// the rest of the checks; a failing entry is recorded and skipped.
func validateString(res *Result, b []byte) (string, bool) {
	if len(b) == 0 {
		res.fail("Invalid string - empty")
		return "", false
	}
	return string(b), true
}

func updateLastseen(res *Result, ls *lastseenState, key string, value []byte, now time.Time) {
	switch {
	case strings.HasPrefix(key, "qi"):
		hostkey := key[2:]
		ls.qualityIncoming[hostkey] = true
		checkQualityTimestamp(res, key, value, now)
	case strings.HasPrefix(key, "qo"):
		hostkey := key[2:]
		ls.qualityOutgoing[hostkey] = true
		checkQualityTimestamp(res, key, value, now)
	case strings.HasPrefix(key, "k"):
		ls.hostkeyToAddress[key[1:]] = string(value)
	case strings.HasPrefix(key, "a"):
		ls.addressToHostkey[key[1:]] = string(value)
	case key == "version":
		// expected, not part of the coherence graph
	default:
		res.fail("Unexpected key: %s", key)
	}
}

// checkQualityTimestamp requires a quality entry's decoded lastseen
// field to fall within [Birth, now]; a future timestamp usually means
// clock skew wrote garbage.
func checkQualityTimestamp(res *Result, key string, value []byte, now time.Time) {
	if len(value) < 8 {
		res.fail("Quality entry too short to decode - '%s'", key)
		return
	}
	lastseen := decodeLastSeenField(value)
	nowSec := now.Unix()

	if nowSec < Birth {
		res.fail("Current time (%d) is before 1993-01-01", nowSec)
	} else if lastseen < Birth {
		res.fail("Last seen time (%d) is before 1993-01-01 (%s)", lastseen, key)
	} else if lastseen > nowSec {
		res.fail("Future timestamp in last seen database: %d > %d (%s)", lastseen, nowSec, key)
	}
}

func checkLastseenState(res *Result, ls *lastseenState) {
	for hostkey, address := range ls.hostkeyToAddress {
		if !validHostkey(hostkey) {
			res.fail("Bad hostkey format - '%s'", hostkey)
			continue
		}
		if address == "" {
			res.fail("Empty IP address for hostkey '%s'", hostkey)
			continue
		}
		lookup, ok := ls.addressToHostkey[address]
		if !ok {
			res.fail("Missing address entry for '%s'", address)
		} else if lookup != hostkey {
			res.fail("Bad hostkey->address->hostkey reverse lookup '%s' != '%s'", hostkey, lookup)
		}
	}

	for address, hostkey := range ls.addressToHostkey {
		if address == "" {
			res.fail("Empty IP address - ''")
			continue
		}
		if !validHostkey(hostkey) {
			res.fail("Bad hostkey format - '%s'", hostkey)
			continue
		}
		// Several addresses may share one hostkey, and the k entry keeps
		// only the latest address, so no address round-trip is required.
		if _, ok := ls.hostkeyToAddress[hostkey]; !ok {
			res.fail("Missing hostkey entry for '%s'", hostkey)
		}
	}

	for hostkey := range ls.qualityIncoming {
		if _, ok := ls.hostkeyToAddress[hostkey]; !ok {
			res.fail("Missing hostkey from quality-in entry '%s'", hostkey)
		}
	}
	for hostkey := range ls.qualityOutgoing {
		if _, ok := ls.hostkeyToAddress[hostkey]; !ok {
			res.fail("Missing hostkey from quality-out entry '%s'", hostkey)
		}
	}
}

func validHostkey(s string) bool {
	switch {
	case strings.HasPrefix(s, "SHA="):
		return len(s) == len("SHA=")+64 && isHex(s[4:])
	case strings.HasPrefix(s, "MD5="):
		return len(s) == len("MD5=")+32 && isHex(s[4:])
	default:
		return false
	}
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func decodeLastSeenField(value []byte) int64 {
	return int64(binary.LittleEndian.Uint64(value[:8]))
}
