package dbstruct

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLockRoundTrip(t *testing.T) {
	buf := make([]byte, lockSize)
	binary.LittleEndian.PutUint64(buf[0:8], 1234)
	binary.LittleEndian.PutUint64(buf[8:16], 5678)
	binary.LittleEndian.PutUint64(buf[16:24], 9)

	l, err := DecodeLock(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 1234, l.PID)
	assert.EqualValues(t, 5678, l.Time)
	assert.EqualValues(t, 9, l.ProcessStartTime)
}

func TestDecodeLockSizeMismatch(t *testing.T) {
	_, err := DecodeLock([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestDecodePersistentClassInfo(t *testing.T) {
	buf := make([]byte, classInfoHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], 100)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(PolicyPreserve))
	buf = append(buf, []byte("tag1,tag2\x00")...)

	info, err := DecodePersistentClassInfo(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 100, info.Expires)
	assert.Equal(t, PolicyPreserve, info.Policy)
	assert.Equal(t, "tag1,tag2", info.Tags)
}

func TestDecodePersistentClassInfoMissingNUL(t *testing.T) {
	buf := make([]byte, classInfoHeaderSize)
	buf = append(buf, []byte("no-terminator")...)
	_, err := DecodePersistentClassInfo(buf)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestDecodeScalarStripsTrailingNUL(t *testing.T) {
	assert.Equal(t, "hello", DecodeScalar([]byte("hello\x00")))
	assert.Equal(t, "1", DecodeScalar([]byte("1")))
}

func TestDecodeAverages(t *testing.T) {
	n := 2
	buf := make([]byte, 8+qpointSize*n)
	binary.LittleEndian.PutUint64(buf[0:8], 42)

	a, err := DecodeAverages(buf, n)
	require.NoError(t, err)
	assert.EqualValues(t, 42, a.LastSeen)
	assert.Len(t, a.Q, 2)
}
