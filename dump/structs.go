package dump

import (
	"encoding/json"
	"strings"

	"github.com/fleetstate/agentdb/dbstruct"
)

type qpointJSON struct {
	Q      float64 `json:"q"`
	Expect float64 `json:"expect"`
	Var    float64 `json:"var"`
	Dq     float64 `json:"dq"`
}

func toQpointJSON(q dbstruct.QPoint) qpointJSON {
	return qpointJSON{Q: q.Q, Expect: q.Expect, Var: q.Var, Dq: q.Dq}
}

// renderQuality decodes a qi/qo entry in the lastseen store as
// {lastseen, Q:{q,expect,var,dq}}.
func renderQuality(value []byte) (string, bool) {
	q, ok := decodeQualityValue(value)
	if !ok {
		return "", false
	}
	out, err := json.Marshal(struct {
		LastSeen int64      `json:"lastseen"`
		Q        qpointJSON `json:"Q"`
	}{q.LastSeen, toQpointJSON(dbstruct.QPoint{Q: q.Q, Expect: q.Expect, Var: q.Var, Dq: q.Dq})})
	if err != nil {
		return "", false
	}
	return string(out), true
}

func renderLock(value []byte) (string, bool) {
	l, err := dbstruct.DecodeLock(value)
	if err != nil {
		return "", false
	}
	out, _ := json.Marshal(struct {
		PID              int64 `json:"pid"`
		Time             int64 `json:"time"`
		ProcessStartTime int64 `json:"process_start_time"`
	}{l.PID, l.Time, l.ProcessStartTime})
	return string(out), true
}

func renderPersistentClass(value []byte) (string, bool) {
	c, err := dbstruct.DecodePersistentClassInfo(value)
	if err != nil {
		return "", false
	}
	out, _ := json.Marshal(struct {
		Expires uint32 `json:"expires"`
		Policy  string `json:"policy"`
		Tags    string `json:"tags"`
	}{c.Expires, c.Policy.String(), c.Tags})
	return string(out), true
}

// renderAverages decodes an averages record. The observable count is
// derived from the record's own byte length, and the observable list is
// sized to match, padding with positional names when the tskey list is
// shorter.
func renderAverages(value []byte, tskeyFilename string) (string, bool) {
	const lastSeenSize = 8
	const qpointSize = 8 * 4
	if len(value) < lastSeenSize || (len(value)-lastSeenSize)%qpointSize != 0 {
		return "", false
	}
	n := (len(value) - lastSeenSize) / qpointSize

	avg, err := dbstruct.DecodeAverages(value, n)
	if err != nil {
		return "", false
	}

	names := loadObservableNames(tskeyFilename)

	var b strings.Builder
	b.WriteString(`{"last_seen":`)
	lastSeen, _ := json.Marshal(avg.LastSeen)
	b.Write(lastSeen)
	b.WriteString(`,"Q":{`)
	for i, q := range avg.Q {
		if i > 0 {
			b.WriteByte(',')
		}
		name, _ := json.Marshal(observableName(names, i))
		b.Write(name)
		b.WriteByte(':')
		qj, _ := json.Marshal(toQpointJSON(q))
		b.Write(qj)
	}
	b.WriteString("}}")
	return b.String(), true
}

// decodeQualityValue is a thin adapter over dbstruct.QPoint's layout,
// since the lastseen package's Quality type (with LastSeen+QPoint fields
// inline) isn't imported here to avoid a dump->lastseen dependency; the
// on-disk layout is identical (int64 lastseen followed by 4 float64s).
func decodeQualityValue(value []byte) (struct {
	LastSeen           int64
	Q, Expect, Var, Dq float64
}, bool) {
	type out = struct {
		LastSeen           int64
		Q, Expect, Var, Dq float64
	}
	const size = 8 + 8*4
	if len(value) != size {
		return out{}, false
	}
	avg, err := dbstruct.DecodeAverages(value, 1)
	if err != nil {
		return out{}, false
	}
	return out{
		LastSeen: avg.LastSeen,
		Q:        avg.Q[0].Q,
		Expect:   avg.Q[0].Expect,
		Var:      avg.Q[0].Var,
		Dq:       avg.Q[0].Dq,
	}, true
}
