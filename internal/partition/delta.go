package partition

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// PatchApplier is a reference DeltaApplier: the delta stream is a sequence
// of records, each either a literal run of bytes to write verbatim, or a
// copy instruction reading a run of bytes from the base image at a given
// offset. It exists so the fallback-to-full path in Flash is exercisable
// end-to-end; the wire format is not prescribed by the spec and may be
// replaced with a real binary-diff codec (e.g. bsdiff/courgette-style)
// without touching the Flash orchestration above it.
//
// Record format (all integers big-endian):
//
//	opcode byte: 'L' literal, 'C' copy
//	'L': uint32 length, followed by that many literal bytes
//	'C': uint64 offset, uint32 length — copied from the base reader
type PatchApplier struct {
	// Base provides random access to the inactive slot's current image
	// contents for 'C' records. In production this is a read-only handle
	// to the same device being written; tests supply an in-memory stand-in.
	Base io.ReaderAt
}

func (p PatchApplier) Apply(ctx context.Context, dst io.Writer, delta io.Reader, base string) (int64, error) {
	if p.Base == nil {
		return 0, errors.New("partition: PatchApplier requires a base reader")
	}

	r := bufio.NewReader(delta)
	var bytesSaved int64

	for {
		select {
		case <-ctx.Done():
			return bytesSaved, ctx.Err()
		default:
		}

		opcode, err := r.ReadByte()
		if err == io.EOF {
			return bytesSaved, nil
		}
		if err != nil {
			return bytesSaved, errors.Wrap(err, "partition: reading delta opcode")
		}

		switch opcode {
		case 'L':
			length, err := readUint32(r)
			if err != nil {
				return bytesSaved, err
			}
			if _, err := io.CopyN(dst, r, int64(length)); err != nil {
				return bytesSaved, errors.Wrap(err, "partition: writing literal record")
			}
		case 'C':
			offset, err := readUint64(r)
			if err != nil {
				return bytesSaved, err
			}
			length, err := readUint32(r)
			if err != nil {
				return bytesSaved, err
			}
			buf := make([]byte, length)
			if _, err := p.Base.ReadAt(buf, int64(offset)); err != nil {
				return bytesSaved, errors.Wrap(err, "partition: reading base image for copy record")
			}
			if _, err := dst.Write(buf); err != nil {
				return bytesSaved, errors.Wrap(err, "partition: writing copy record")
			}
			bytesSaved += int64(length)
		default:
			return bytesSaved, errors.Errorf("partition: unknown delta opcode %q", opcode)
		}
	}
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "partition: reading uint32 field")
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "partition: reading uint64 field")
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
