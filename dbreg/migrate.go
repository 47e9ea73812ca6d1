package dbreg

import (
	"context"
	"strconv"

	"github.com/fleetstate/agentdb/kv"
)

// LastseenMigrator upgrades a lastseen store from the pre-qi/qo schema
// (version 0: single direction+hostkey keys mapping straight to
// address+quality) to version 1 (separate k/a/qi/qo key families).
//
// v0 keys are a single-character direction prefix ('i' or 'o') directly
// fused with the hostkey, e.g. "iSHA=...". v0 values are the same
// quality blob as v1's qi/qo entries, except they also carried the
// address inline as a leading NUL-terminated string, where v1 keeps the
// address only in the k/a families.
func LastseenMigrator(ctx context.Context, tx kv.RwTx) error {
	versionKey := []byte("version")

	if v, err := tx.Get(versionKey); err == nil && string(v) == "1" {
		return nil // already migrated
	} else if err != nil && err != kv.ErrNotFound {
		return err
	}

	cur, err := tx.RwCursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	type v0record struct {
		key       []byte
		direction byte
		hostkey   string
		address   string
		quality   []byte
	}
	var v0 []v0record

	for {
		k, val, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if len(k) < 2 {
			continue
		}
		dir := k[0]
		if dir != 'i' && dir != 'o' {
			continue
		}
		// v1 direction keys always start with 'q' ("qi"/"qo"); a bare
		// 'i'/'o' lead byte is therefore unambiguously a v0 record.
		address, quality := splitV0Value(val)
		v0 = append(v0, v0record{
			key:       append([]byte(nil), k...),
			direction: dir,
			hostkey:   string(k[1:]),
			address:   address,
			quality:   quality,
		})
	}

	for _, rec := range v0 {
		prefix := "qi"
		if rec.direction == 'o' {
			prefix = "qo"
		}
		if err := tx.Put([]byte(prefix+rec.hostkey), rec.quality); err != nil {
			return err
		}
		if err := tx.Put([]byte("k"+rec.hostkey), []byte(rec.address)); err != nil {
			return err
		}
		if err := tx.Put([]byte("a"+rec.address), []byte(rec.hostkey)); err != nil {
			return err
		}
		if err := tx.Delete(rec.key); err != nil {
			return err
		}
	}

	return tx.Put(versionKey, []byte(strconv.Itoa(1)))
}

// splitV0Value recovers (address, quality-blob) from a v0 record, which
// stored a NUL-terminated address string followed by the fixed-size
// quality struct. If the value holds no NUL byte, the quality portion is
// returned empty and the whole value is treated as address.
func splitV0Value(v []byte) (address string, quality []byte) {
	for i, b := range v {
		if b == 0 {
			return string(v[:i]), append([]byte(nil), v[i+1:]...)
		}
	}
	return string(v), nil
}
