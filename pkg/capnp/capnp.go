// Package capnp implements the strict subset of the capability-RPC wire
// format used by the tunnel's control and data streams: single-segment
// messages, struct pointers, list pointers (including composite lists),
// and text/data blobs. Far pointers, capability pointers, and multi-segment
// messages are rejected rather than partially supported.
package capnp

import (
	"encoding/binary"

	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

const (
	wordSize = 8

	ptrTagStruct = 0
	ptrTagList   = 1

	// ElemSizeComposite marks a list whose elements are themselves structs,
	// described by a tag word at the start of the list body.
	ElemSizeComposite uint8 = 7
	// ElemSizeByte marks a list of single-byte elements: the shape used for
	// both text (NUL-terminated) and raw data blobs.
	ElemSizeByte uint8 = 2

	maxSignedOffset30 = (1 << 29) - 1
	minSignedOffset30 = -(1 << 29)
	maxCount29        = (1 << 29) - 1
)

// wordAligned reports whether off is a multiple of the word size.
func wordAligned(off int) bool {
	return off%wordSize == 0
}

// signedOffsetWords computes the signed word offset used by a pointer at
// ptrOff targeting targetOff, per §4.A: "signed relative to the word
// following the pointer".
func signedOffsetWords(ptrOff, targetOff int) (int, error) {
	if !wordAligned(ptrOff) || !wordAligned(targetOff) {
		return 0, tunnelerrors.NewFramingError("encode", "pointer or target offset not word-aligned", nil)
	}
	diffWords := (targetOff - (ptrOff + wordSize)) / wordSize
	if diffWords > maxSignedOffset30 || diffWords < minSignedOffset30 {
		return 0, tunnelerrors.NewFramingError("encode", "pointer offset out of 30-bit signed range", nil)
	}
	return diffWords, nil
}

// absoluteOffset reconstructs the absolute byte offset a pointer at ptrOff
// with a given signed word offset targets.
func absoluteOffset(ptrOff int, signedWordOff int32) int {
	return ptrOff + wordSize + int(signedWordOff)*wordSize
}

// extendSign30 sign-extends a 30-bit two's complement value stored in the
// low 30 bits of v.
func extendSign30(v uint32) int32 {
	v &= 0x3FFFFFFF
	if v&(1<<29) != 0 {
		return int32(v) - (1 << 30)
	}
	return int32(v)
}

func putUint64(buf []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], v)
}

func getUint64(buf []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(buf[off : off+8])
}
