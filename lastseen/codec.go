package lastseen

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/fleetstate/agentdb/kv"
)

// Quality entries are encoded as five little-endian fields: lastseen
// (int64) followed by q, expect, var, dq (float64 each). A stable
// explicit encoding avoids any dependence on Go struct memory layout.
const qualitySize = 8 + 8*4

func encodeQuality(q Quality) []byte {
	buf := make([]byte, qualitySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(q.LastSeen))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(q.Q))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(q.Expect))
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(q.Var))
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(q.Dq))
	return buf
}

func decodeQuality(b []byte) (Quality, bool) {
	if len(b) != qualitySize {
		return Quality{}, false
	}
	return Quality{
		LastSeen: int64(binary.LittleEndian.Uint64(b[0:8])),
		Q:        math.Float64frombits(binary.LittleEndian.Uint64(b[8:16])),
		Expect:   math.Float64frombits(binary.LittleEndian.Uint64(b[16:24])),
		Var:      math.Float64frombits(binary.LittleEndian.Uint64(b[24:32])),
		Dq:       math.Float64frombits(binary.LittleEndian.Uint64(b[32:40])),
	}, true
}

func readQuality(tx kv.Tx, key []byte) (Quality, bool, error) {
	v, err := tx.Get(key)
	if err != nil {
		if err == kv.ErrNotFound {
			return Quality{}, false, nil
		}
		return Quality{}, false, err
	}
	q, ok := decodeQuality(v)
	return q, ok, nil
}

func readString(tx kv.Tx, key []byte) (string, bool, error) {
	v, err := tx.Get(key)
	if err != nil {
		if err == kv.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimRight(string(v), "\x00"), true, nil
}
