// Package lastseen implements the bidirectional host-key <-> network
// address index with quality-of-connection statistics: for each peer,
// when and how we last saw it, with both key->address and address->key
// lookups kept fast.
package lastseen

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetstate/agentdb/dbreg"
)

// Role distinguishes an incoming connection (we were contacted) from an
// outgoing one (we initiated), stored as the 'i'/'o' direction character
// in quality keys.
type Role int

const (
	RoleIncoming Role = iota
	RoleOutgoing
)

func (r Role) prefixChar() byte {
	if r == RoleOutgoing {
		return 'o'
	}
	return 'i'
}

// Alpha is the EWMA smoothing factor used by Record's quality update.
const Alpha = 0.4

// Quality is the decoded value of a qi/qo entry: a per-peer record of
// connection timing statistics.
type Quality struct {
	LastSeen int64 // unix seconds of this observation
	Q        float64
	Expect   float64
	Var      float64
	Dq       float64
}

// hostkeyPattern matches the two supported hostkey forms; Purge uses it
// to tell a hostkey from an address.
var hostkeyPattern = regexp.MustCompile(`^(SHA=[0-9a-fA-F]{64}|MD5=[0-9a-fA-F]{32})$`)

// IsHostkey reports whether s has the canonical SHA=/MD5= shape.
func IsHostkey(s string) bool { return hostkeyPattern.MatchString(s) }

// Registry wraps one dbreg.Handle opened against the lastseen logical
// id.
type Registry struct {
	h         *dbreg.Handle
	localHost func() (hostkey string, ok bool)
	selfIPs   map[string]bool
}

// New wraps an already-open handle. localHost, if non-nil, resolves the
// process's own public-key fingerprint for the loopback/self-IP
// short-circuit in ResolveAddressToHostkey; selfIPs names additional
// addresses (beyond 127.0.0.1/::1) that should short-circuit the same
// way, typically the agent's configured public address.
func New(h *dbreg.Handle, localHost func() (string, bool), selfIPs ...string) *Registry {
	s := make(map[string]bool, len(selfIPs))
	for _, ip := range selfIPs {
		s[ip] = true
	}
	return &Registry{h: h, localHost: localHost, selfIPs: s}
}

// Record updates the forward (k), reverse (a) and quality (qi/qo) entries
// for hostkey in one transaction; partial observability is impossible.
func (r *Registry) Record(ctx context.Context, hostkey, address string, role Role, now time.Time) error {
	env := r.h.Env()
	tx, err := env.BeginRw(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()

	qualityKey := []byte(fmt.Sprintf("q%c%s", role.prefixChar(), hostkey))
	ts := now.Unix()

	newQ := Quality{LastSeen: ts}
	if prev, ok, err := readQuality(tx, qualityKey); err != nil {
		return err
	} else if ok {
		newQ.Q, newQ.Expect, newQ.Var, newQ.Dq = ewmaUpdate(prev, float64(ts-prev.LastSeen))
	} else {
		newQ.Q, newQ.Expect, newQ.Var, newQ.Dq = 0, 0, 0, 0
	}

	if err := tx.Put(qualityKey, encodeQuality(newQ)); err != nil {
		return err
	}
	if err := tx.Put([]byte("k"+hostkey), []byte(address)); err != nil {
		return err
	}
	if err := tx.Put([]byte("a"+address), []byte(hostkey)); err != nil {
		return err
	}

	return tx.Commit()
}

// ewmaUpdate applies the exponentially-weighted average: new.q = q_new
// (the raw inter-arrival time); new.expect blends it with the prior
// expectation at Alpha; new.dq is the absolute deviation from the prior
// expectation; new.var blends the squared deviation the same way expect
// blends the raw value.
func ewmaUpdate(prev Quality, qNew float64) (q, expect, vr, dq float64) {
	q = qNew
	expect = Alpha*qNew + (1-Alpha)*prev.Expect
	dq = math.Abs(qNew - prev.Expect)
	vr = Alpha*dq*dq + (1-Alpha)*prev.Var
	return
}

// ResolveAddressToHostkey looks up the hostkey last seen at address.
// Loopback and configured self addresses short-circuit to the local
// fingerprint; otherwise it's a plain a<ip> lookup, with a missing
// back-entry logged but not treated as failure.
func (r *Registry) ResolveAddressToHostkey(ctx context.Context, address string) (string, bool, error) {
	if address == "127.0.0.1" || address == "::1" || r.selfIPs[address] {
		if r.localHost != nil {
			if hk, ok := r.localHost(); ok {
				return hk, true, nil
			}
		}
		logrus.Debug("lastseen: local key not found for self address")
		return "", false, nil
	}

	tx, err := r.h.Env().BeginRo(ctx)
	if err != nil {
		return "", false, err
	}
	defer tx.Abort()

	hk, ok, err := readString(tx, []byte("a"+address))
	if err != nil || !ok {
		return "", false, err
	}

	if _, ok, err := readString(tx, []byte("k"+hk)); err != nil {
		return "", false, err
	} else if !ok {
		logrus.WithField("hostkey", hk).WithField("address", address).
			Warn("lastseen db inconsistency: no key entry for existing host entry")
	}

	return hk, true, nil
}

// DeleteByAddress removes a*, k*, qi*, qo* for the host behind ip. If
// the companion k entry is missing, proceeding would break the
// forward/reverse subset invariants, so nothing is removed.
func (r *Registry) DeleteByAddress(ctx context.Context, ip string) (hostkey string, removed bool, err error) {
	tx, err := r.h.Env().BeginRw(ctx)
	if err != nil {
		return "", false, err
	}
	defer tx.Abort()

	addrKey := []byte("a" + ip)
	hk, ok, err := readString(tx, addrKey)
	if err != nil || !ok {
		return "", false, err
	}

	hostKey := []byte("k" + hk)
	if has, err := tx.Has(hostKey); err != nil {
		return "", false, err
	} else if !has {
		return "", false, nil
	}

	if err := tx.Delete(hostKey); err != nil {
		return "", false, err
	}
	if err := tx.Delete(addrKey); err != nil {
		return "", false, err
	}
	_ = tx.Delete([]byte("qi" + hk))
	_ = tx.Delete([]byte("qo" + hk))

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return hk, true, nil
}

// DeleteByHostkey is the mirror of DeleteByAddress.
func (r *Registry) DeleteByHostkey(ctx context.Context, hostkey string) (ip string, removed bool, err error) {
	tx, err := r.h.Env().BeginRw(ctx)
	if err != nil {
		return "", false, err
	}
	defer tx.Abort()

	hostKey := []byte("k" + hostkey)
	addr, ok, err := readString(tx, hostKey)
	if err != nil || !ok {
		return "", false, err
	}

	addrKey := []byte("a" + addr)
	if has, err := tx.Has(addrKey); err != nil {
		return "", false, err
	} else if !has {
		return "", false, nil
	}

	if err := tx.Delete(addrKey); err != nil {
		return "", false, err
	}
	if err := tx.Delete(hostKey); err != nil {
		return "", false, err
	}
	_ = tx.Delete([]byte("qi" + hostkey))
	_ = tx.Delete([]byte("qo" + hostkey))

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return addr, true, nil
}

// QualityCallback receives one quality entry at a time during ScanQuality.
// Returning false stops the scan early.
type QualityCallback func(hostkey, address string, incoming bool, q Quality) bool

// ScanQuality iterates every k<hostkey> entry and reports its qi/qo
// siblings; a hostkey with neither direction recorded is skipped.
func (r *Registry) ScanQuality(ctx context.Context, cb QualityCallback) error {
	tx, err := r.h.Env().BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	var hostkeys []string
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if len(k) > 1 && k[0] == 'k' {
			hostkeys = append(hostkeys, string(k[1:]))
		}
	}

	for _, hk := range hostkeys {
		addr, ok, err := readString(tx, []byte("k"+hk))
		if err != nil {
			return err
		}
		if !ok {
			logrus.WithField("hostkey", hk).Error("lastseen: failed to read address for key")
			continue
		}

		if q, ok, err := readQuality(tx, []byte("qi"+hk)); err != nil {
			return err
		} else if ok {
			if !cb(hk, addr, true, q) {
				return nil
			}
		}
		if q, ok, err := readQuality(tx, []byte("qo"+hk)); err != nil {
			return err
		} else if ok {
			if !cb(hk, addr, false, q) {
				return nil
			}
		}
	}
	return nil
}

// HostkeyCount is the number of k<...> entries.
func (r *Registry) HostkeyCount(ctx context.Context) (int, error) {
	tx, err := r.h.Env().BeginRo(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	count := 0
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if len(k) > 0 && k[0] == 'k' {
			count++
		}
	}
	return count, nil
}

// IsCoherent is a full scan validating that every reverse entry's key
// has a forward entry and every forward entry's address has a reverse
// entry, logging each divergence at warning level. Bijectivity is
// deliberately not required: several addresses may share one key, and
// the forward entry records only the most recently seen address.
func (r *Registry) IsCoherent(ctx context.Context) (bool, error) {
	tx, err := r.h.Env().BeginRo(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return false, err
	}
	defer cur.Close()

	kKeys := map[string]bool{}
	kIPs := map[string]bool{}
	aKeys := map[string]bool{}
	aIPs := map[string]bool{}

	for {
		k, v, ok, err := cur.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		key := string(k)
		switch {
		case key == "version", strings.HasPrefix(key, "qi"), strings.HasPrefix(key, "qo"):
			// expected, nothing to index
		case strings.HasPrefix(key, "k"):
			hk := key[1:]
			kKeys[hk] = true
			kIPs[string(v)] = true
		case strings.HasPrefix(key, "a"):
			ip := key[1:]
			aIPs[ip] = true
			aKeys[string(v)] = true
		default:
			logrus.WithField("key", key).Warn("lastseen db inconsistency, unexpected key")
		}
	}

	result := true
	for ip := range kIPs {
		if !aIPs[ip] {
			logrus.WithField("ip", ip).Warn("lastseen db inconsistency: kKEY -> ip entry with no matching aIP entry")
			result = false
		}
	}
	for hk := range aKeys {
		if !kKeys[hk] {
			logrus.WithField("hostkey", hk).Warn("lastseen db inconsistency: aIP -> key entry with no matching kKEY entry")
			result = false
		}
	}
	return result, nil
}

// PurgeStatus distinguishes the three ways a purge can fail, usable
// directly as a process exit code by the CLI.
type PurgeStatus int

const (
	PurgeOK                PurgeStatus = 0
	PurgeDigestNotFound    PurgeStatus = 252
	PurgeHostNotFound      PurgeStatus = 253
	PurgeRefusedIncoherent PurgeStatus = 254
)

// Purge implements purge: delete the record for either a hostkey or an
// address, disambiguated by the SHA=/MD5= prefix. If requireCoherent is
// true, refuse to act when IsCoherent is false.
func (r *Registry) Purge(ctx context.Context, input string, requireCoherent bool) (equivalent string, status PurgeStatus, err error) {
	if requireCoherent {
		coherent, err := r.IsCoherent(ctx)
		if err != nil {
			return "", PurgeRefusedIncoherent, err
		}
		if !coherent {
			logrus.Error("lastseen database is incoherent and coherence check is enforced; refusing to remove entries")
			return "", PurgeRefusedIncoherent, nil
		}
	}

	if IsHostkey(input) {
		ip, removed, err := r.DeleteByHostkey(ctx, input)
		if err != nil {
			return "", PurgeDigestNotFound, err
		}
		if !removed {
			return "", PurgeDigestNotFound, nil
		}
		return ip, PurgeOK, nil
	}

	hk, removed, err := r.DeleteByAddress(ctx, input)
	if err != nil {
		return "", PurgeHostNotFound, err
	}
	if !removed {
		return "", PurgeHostNotFound, nil
	}
	return hk, PurgeOK, nil
}
