package capnp

import (
	"encoding/binary"

	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

// Builder accumulates a single-segment message body into a caller-provided
// scratch buffer. An RPC scratch buffer has nowhere to spill past its limit
// (§5: "overflow returns a fatal encode error, not a panic"), so Builder
// simply refuses to grow past len(scratch).
type Builder struct {
	scratch []byte
	words   int // words allocated so far
}

// NewBuilder wraps scratch, a word-sized (should be a multiple of 8 bytes,
// not required) pre-allocated buffer such as the 4 KiB recommended by §5.
func NewBuilder(scratch []byte) *Builder {
	return &Builder{scratch: scratch}
}

// Alloc reserves n words at the end of the body and returns their starting
// byte offset. It fails rather than growing the backing slice.
func (b *Builder) Alloc(n int) (int, error) {
	if n < 0 {
		return 0, tunnelerrors.NewValidationError("negative word count")
	}
	needBytes := (b.words + n) * wordSize
	if needBytes > len(b.scratch) {
		return 0, tunnelerrors.NewResourceError("alloc", "capnp encode scratch buffer overflow")
	}
	off := b.words * wordSize
	b.words += n
	// zero the newly allocated region: scratch may be reused across calls.
	for i := off; i < off+n*wordSize; i++ {
		b.scratch[i] = 0
	}
	return off, nil
}

// WriteStructPointer writes a struct pointer at ptrOff targeting structOff,
// a struct with dataWords data words and ptrWords pointer words.
func (b *Builder) WriteStructPointer(ptrOff, structOff int, dataWords, ptrWords uint16) error {
	signed, err := signedOffsetWords(ptrOff, structOff)
	if err != nil {
		return err
	}
	raw := (uint64(uint32(signed))&0x3FFFFFFF)<<2 | uint64(ptrTagStruct) |
		uint64(dataWords)<<32 | uint64(ptrWords)<<48
	putUint64(b.scratch, ptrOff, raw)
	return nil
}

// WriteNullPointer zeroes the pointer slot at ptrOff, the canonical
// representation of a null pointer.
func (b *Builder) WriteNullPointer(ptrOff int) {
	putUint64(b.scratch, ptrOff, 0)
}

// WriteListPointer writes a list pointer at ptrOff targeting listOff, with
// the given element-size tag and count. For composite lists (elemSizeTag ==
// ElemSizeComposite) count is the total word count of the list body
// including its tag word, per §4.A.
func (b *Builder) WriteListPointer(ptrOff, listOff int, elemSizeTag uint8, count uint32) error {
	if elemSizeTag > 7 {
		return tunnelerrors.NewValidationError("element size tag out of range")
	}
	if count > maxCount29 {
		return tunnelerrors.NewValidationError("list count exceeds 29-bit field")
	}
	signed, err := signedOffsetWords(ptrOff, listOff)
	if err != nil {
		return err
	}
	raw := (uint64(uint32(signed))&0x3FFFFFFF)<<2 | uint64(ptrTagList) |
		uint64(elemSizeTag)<<32 | uint64(count)<<35
	putUint64(b.scratch, ptrOff, raw)
	return nil
}

// WriteCompositeTag writes the tag word at the start of a composite list
// body: element shape (dataWords, ptrWords) and element count n.
func (b *Builder) WriteCompositeTag(bodyOff int, n int, dataWords, ptrWords uint16) error {
	if n < 0 || n > maxSignedOffset30 {
		return tunnelerrors.NewValidationError("composite element count out of range")
	}
	raw := (uint64(uint32(n))&0x3FFFFFFF)<<2 | uint64(ptrTagStruct) |
		uint64(dataWords)<<32 | uint64(ptrWords)<<48
	putUint64(b.scratch, bodyOff, raw)
	return nil
}

// WriteText allocates a NUL-terminated byte list for s, writes the list
// pointer at ptrOff, and returns the body's byte offset. An empty string
// still allocates one byte (the NUL).
func (b *Builder) WriteText(ptrOff int, s string) (int, error) {
	total := len(s) + 1
	words := (total + wordSize - 1) / wordSize
	bodyOff, err := b.Alloc(words)
	if err != nil {
		return 0, err
	}
	copy(b.scratch[bodyOff:bodyOff+len(s)], s)
	b.scratch[bodyOff+len(s)] = 0
	if err := b.WriteListPointer(ptrOff, bodyOff, ElemSizeByte, uint32(total)); err != nil {
		return 0, err
	}
	return bodyOff, nil
}

// WriteData allocates a raw byte list (no trailing NUL) for data, writes
// the list pointer at ptrOff, and returns the body's byte offset.
func (b *Builder) WriteData(ptrOff int, data []byte) (int, error) {
	words := (len(data) + wordSize - 1) / wordSize
	bodyOff, err := b.Alloc(words)
	if err != nil {
		return 0, err
	}
	copy(b.scratch[bodyOff:bodyOff+len(data)], data)
	if err := b.WriteListPointer(ptrOff, bodyOff, ElemSizeByte, uint32(len(data))); err != nil {
		return 0, err
	}
	return bodyOff, nil
}

// PutUint8/16/32/64 write little-endian fixed-width integers into a
// struct's data section at structOff+byteOff.

func (b *Builder) PutUint8(structOff, byteOff int, v uint8) {
	b.scratch[structOff+byteOff] = v
}

func (b *Builder) PutUint16(structOff, byteOff int, v uint16) {
	binary.LittleEndian.PutUint16(b.scratch[structOff+byteOff:structOff+byteOff+2], v)
}

func (b *Builder) PutUint32(structOff, byteOff int, v uint32) {
	binary.LittleEndian.PutUint32(b.scratch[structOff+byteOff:structOff+byteOff+4], v)
}

func (b *Builder) PutUint64(structOff, byteOff int, v uint64) {
	binary.LittleEndian.PutUint64(b.scratch[structOff+byteOff:structOff+byteOff+8], v)
}

func (b *Builder) PutInt64(structOff, byteOff int, v int64) {
	b.PutUint64(structOff, byteOff, uint64(v))
}

// PutBit sets or clears bit bitIndex (0-7 within the byte) of the byte at
// structOff+byteOff.
func (b *Builder) PutBit(structOff, byteOff int, bitIndex uint, v bool) {
	idx := structOff + byteOff
	if v {
		b.scratch[idx] |= 1 << bitIndex
	} else {
		b.scratch[idx] &^= 1 << bitIndex
	}
}

// Bytes returns the raw body bytes written so far (without the segment
// table); used by callers composing nested structures before Finalize.
func (b *Builder) Bytes() []byte {
	return b.scratch[:b.words*wordSize]
}

// Finalize emits the single-segment message: the segment table (segment
// count minus one, then the segment's word size, both little-endian
// uint32) followed by the segment body. The body is already word-aligned
// by construction, so no extra padding is needed.
func (b *Builder) Finalize(dst []byte) ([]byte, error) {
	bodyLen := b.words * wordSize
	total := 8 + bodyLen
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}
	binary.LittleEndian.PutUint32(dst[0:4], 0) // segment count - 1 == 0
	binary.LittleEndian.PutUint32(dst[4:8], uint32(b.words))
	copy(dst[8:], b.scratch[:bodyLen])
	return dst, nil
}

// RootStructPointer writes the root struct pointer at word 0 of the body,
// a convenience wrapper since every message has exactly one root.
func (b *Builder) RootStructPointer(structOff int, dataWords, ptrWords uint16) error {
	return b.WriteStructPointer(0, structOff, dataWords, ptrWords)
}
