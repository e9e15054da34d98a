package partition

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func literalRecord(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('L')
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
	return buf.Bytes()
}

func copyRecord(offset uint64, length uint32) []byte {
	var buf bytes.Buffer
	buf.WriteByte('C')
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], offset)
	buf.Write(off[:])
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], length)
	buf.Write(l[:])
	return buf.Bytes()
}

func TestPatchApplierMixesLiteralAndCopyRecords(t *testing.T) {
	base := bytes.NewReader([]byte("0123456789"))
	applier := PatchApplier{Base: base}

	var delta bytes.Buffer
	delta.Write(literalRecord([]byte("AA")))
	delta.Write(copyRecord(2, 4)) // "2345"
	delta.Write(literalRecord([]byte("ZZ")))

	var out bytes.Buffer
	saved, err := applier.Apply(context.Background(), &out, &delta, "")
	require.NoError(t, err)
	assert.Equal(t, "AA2345ZZ", out.String())
	assert.Equal(t, int64(4), saved)
}

func TestPatchApplierRejectsUnknownOpcode(t *testing.T) {
	applier := PatchApplier{Base: bytes.NewReader(nil)}
	delta := bytes.NewBufferString("X")

	_, err := applier.Apply(context.Background(), &bytes.Buffer{}, delta, "")
	assert.Error(t, err)
}
