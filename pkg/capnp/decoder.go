package capnp

import (
	"encoding/binary"

	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

// Segment is a parsed single-segment message body, ready for structural
// reads via Reader.
type Segment struct {
	body []byte
}

// ParseMessage validates the segment table of raw and returns the body
// segment. It rejects multi-segment messages (count-1 != 0) and performs
// the bounds check described in §4.A.
func ParseMessage(raw []byte) (*Segment, error) {
	if len(raw) < 8 {
		return nil, tunnelerrors.NewFramingError("decode", "message shorter than segment table", nil)
	}
	segCountMinusOne := binary.LittleEndian.Uint32(raw[0:4])
	if segCountMinusOne != 0 {
		return nil, tunnelerrors.NewFramingError("decode", "multi-segment messages are not supported", nil)
	}
	segWords := binary.LittleEndian.Uint32(raw[4:8])
	bodyLen := int(segWords) * wordSize
	if len(raw) < 8+bodyLen {
		return nil, tunnelerrors.NewFramingError("decode", "segment body truncated", nil)
	}
	return &Segment{body: raw[8 : 8+bodyLen]}, nil
}

// MessageWordSize parses just the segment table of a (possibly incomplete)
// prefix and reports the full wire size of the message in bytes, or 0 if
// prefix does not yet contain the complete message. This backs the
// incremental size probe of §4.B.
func MessageWordSize(prefix []byte) (int, error) {
	if len(prefix) < 8 {
		return 0, nil
	}
	segCountMinusOne := binary.LittleEndian.Uint32(prefix[0:4])
	if segCountMinusOne != 0 {
		return 0, tunnelerrors.NewFramingError("decode", "multi-segment messages are not supported", nil)
	}
	segWords := binary.LittleEndian.Uint32(prefix[4:8])
	total := 8 + int(segWords)*wordSize
	if len(prefix) < total {
		return 0, nil
	}
	return total, nil
}

// NewReader wraps a parsed segment body for structural reads.
func NewReader(seg *Segment) *Reader {
	return &Reader{body: seg.body}
}

// Reader reads struct/list pointers and data-section fields out of a
// single segment body, with bounds checks on every access.
type Reader struct {
	body []byte
}

func (r *Reader) checkRange(off, n int) error {
	if off < 0 || n < 0 || off+n > len(r.body) {
		return tunnelerrors.NewFramingError("decode", "out-of-bounds access", nil)
	}
	return nil
}

// StructInfo describes a decoded struct pointer target.
type StructInfo struct {
	Off        int
	DataWords  uint16
	PtrWords   uint16
	IsNull     bool
}

// ReadStructPointer decodes the struct pointer at ptrOff. A null pointer
// (all-zero word) yields StructInfo{IsNull: true}; callers treat a null
// struct pointer as "absent" per §4.A.
func (r *Reader) ReadStructPointer(ptrOff int) (StructInfo, error) {
	if err := r.checkRange(ptrOff, 8); err != nil {
		return StructInfo{}, err
	}
	raw := getUint64(r.body, ptrOff)
	if raw == 0 {
		return StructInfo{IsNull: true}, nil
	}
	tag := raw & 0x3
	if tag != ptrTagStruct {
		return StructInfo{}, tunnelerrors.NewFramingError("decode", "expected struct pointer, found different tag", nil)
	}
	signed := extendSign30(uint32(raw >> 2))
	dataWords := uint16(raw >> 32)
	ptrWords := uint16(raw >> 48)
	structOff := absoluteOffset(ptrOff, signed)
	if err := r.checkRange(structOff, (int(dataWords)+int(ptrWords))*wordSize); err != nil {
		return StructInfo{}, err
	}
	return StructInfo{Off: structOff, DataWords: dataWords, PtrWords: ptrWords}, nil
}

// ListInfo describes a decoded list pointer target.
type ListInfo struct {
	Off         int
	ElemSizeTag uint8
	Count       uint32
	IsNull      bool
}

// ReadListPointer decodes the list pointer at ptrOff.
func (r *Reader) ReadListPointer(ptrOff int) (ListInfo, error) {
	if err := r.checkRange(ptrOff, 8); err != nil {
		return ListInfo{}, err
	}
	raw := getUint64(r.body, ptrOff)
	if raw == 0 {
		return ListInfo{IsNull: true}, nil
	}
	tag := raw & 0x3
	if tag != ptrTagList {
		return ListInfo{}, tunnelerrors.NewFramingError("decode", "expected list pointer, found different tag", nil)
	}
	signed := extendSign30(uint32(raw >> 2))
	elemSizeTag := uint8((raw >> 32) & 0x7)
	count := uint32((raw >> 35) & 0x1FFFFFFF)
	listOff := absoluteOffset(ptrOff, signed)

	var bodyBytes int
	switch elemSizeTag {
	case 0:
		bodyBytes = 0
	case 1:
		bodyBytes = (int(count) + 7) / 8
	case 2:
		bodyBytes = int(count)
	case 3:
		bodyBytes = int(count) * 2
	case 4:
		bodyBytes = int(count) * 4
	case 5, 6:
		bodyBytes = int(count) * 8
	case ElemSizeComposite:
		bodyBytes = int(count) * wordSize
	default:
		return ListInfo{}, tunnelerrors.NewFramingError("decode", "invalid element size tag", nil)
	}
	if err := r.checkRange(listOff, bodyBytes); err != nil {
		return ListInfo{}, err
	}
	return ListInfo{Off: listOff, ElemSizeTag: elemSizeTag, Count: count}, nil
}

// CompositeElem describes one struct's shape within a composite list body.
type CompositeElem struct {
	DataWords uint16
	PtrWords  uint16
}

// ReadCompositeTag reads the tag word at the start of a composite list
// body (bodyOff) and returns the per-element shape and element count. The
// caller must have already read the enclosing list pointer and validated
// elemSizeTag == ElemSizeComposite.
func (r *Reader) ReadCompositeTag(bodyOff int) (CompositeElem, int, error) {
	if err := r.checkRange(bodyOff, 8); err != nil {
		return CompositeElem{}, 0, err
	}
	raw := getUint64(r.body, bodyOff)
	tag := raw & 0x3
	if tag != ptrTagStruct {
		return CompositeElem{}, 0, tunnelerrors.NewFramingError("decode", "composite list tag word malformed", nil)
	}
	n := extendSign30(uint32(raw >> 2))
	if n < 0 {
		return CompositeElem{}, 0, tunnelerrors.NewFramingError("decode", "negative composite element count", nil)
	}
	dataWords := uint16(raw >> 32)
	ptrWords := uint16(raw >> 48)
	return CompositeElem{DataWords: dataWords, PtrWords: ptrWords}, int(n), nil
}

// CompositeElemOffset returns the byte offset of the i-th element in a
// composite list whose body (tag word included) starts at bodyOff.
func CompositeElemOffset(bodyOff int, i int, shape CompositeElem) int {
	stride := (int(shape.DataWords) + int(shape.PtrWords)) * wordSize
	return bodyOff + wordSize + i*stride
}

// ReadText decodes the text pointer at ptrOff: a byte list with a trailing
// NUL. The returned string excludes the NUL. A null pointer decodes to "".
func (r *Reader) ReadText(ptrOff int) (string, error) {
	info, err := r.ReadListPointer(ptrOff)
	if err != nil {
		return "", err
	}
	if info.IsNull {
		return "", nil
	}
	if info.ElemSizeTag != ElemSizeByte {
		return "", tunnelerrors.NewFramingError("decode", "text pointer has wrong element size", nil)
	}
	if info.Count == 0 {
		return "", nil
	}
	n := int(info.Count) - 1
	if err := r.checkRange(info.Off, int(info.Count)); err != nil {
		return "", err
	}
	return string(r.body[info.Off : info.Off+n]), nil
}

// ReadData decodes the raw-data pointer at ptrOff: a byte list with no
// trailing NUL. A null pointer decodes to an empty (nil) slice.
func (r *Reader) ReadData(ptrOff int) ([]byte, error) {
	info, err := r.ReadListPointer(ptrOff)
	if err != nil {
		return nil, err
	}
	if info.IsNull {
		return nil, nil
	}
	if info.ElemSizeTag != ElemSizeByte {
		return nil, tunnelerrors.NewFramingError("decode", "data pointer has wrong element size", nil)
	}
	if err := r.checkRange(info.Off, int(info.Count)); err != nil {
		return nil, err
	}
	out := make([]byte, info.Count)
	copy(out, r.body[info.Off:info.Off+int(info.Count)])
	return out, nil
}

// Uint8/16/32/64 read little-endian fixed-width integers from a struct's
// data section at structOff+byteOff, bounds-checked against the struct's
// declared DataWords via dataWordsLen (in bytes).

func (r *Reader) Uint8(structOff, byteOff, dataWordsLen int) (uint8, error) {
	if err := r.checkFieldRange(structOff, byteOff, 1, dataWordsLen); err != nil {
		return 0, err
	}
	return r.body[structOff+byteOff], nil
}

func (r *Reader) Uint16(structOff, byteOff, dataWordsLen int) (uint16, error) {
	if err := r.checkFieldRange(structOff, byteOff, 2, dataWordsLen); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.body[structOff+byteOff : structOff+byteOff+2]), nil
}

func (r *Reader) Uint32(structOff, byteOff, dataWordsLen int) (uint32, error) {
	if err := r.checkFieldRange(structOff, byteOff, 4, dataWordsLen); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.body[structOff+byteOff : structOff+byteOff+4]), nil
}

func (r *Reader) Uint64(structOff, byteOff, dataWordsLen int) (uint64, error) {
	if err := r.checkFieldRange(structOff, byteOff, 8, dataWordsLen); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.body[structOff+byteOff : structOff+byteOff+8]), nil
}

func (r *Reader) Int64(structOff, byteOff, dataWordsLen int) (int64, error) {
	v, err := r.Uint64(structOff, byteOff, dataWordsLen)
	return int64(v), err
}

// Bit reads bit bitIndex of the byte at structOff+byteOff. Reading a bit
// past the struct's declared data section yields false (capnp's "default
// value" semantics for absent fields), matching §8's "should_retry
// defaults to false on a ConnectionError lacking the bit".
func (r *Reader) Bit(structOff, byteOff int, bitIndex uint, dataWordsLen int) (bool, error) {
	if byteOff >= dataWordsLen {
		return false, nil
	}
	if err := r.checkRange(structOff+byteOff, 1); err != nil {
		return false, err
	}
	return r.body[structOff+byteOff]&(1<<bitIndex) != 0, nil
}

func (r *Reader) checkFieldRange(structOff, byteOff, size, dataWordsLen int) error {
	if byteOff+size > dataWordsLen {
		return tunnelerrors.NewFramingError("decode", "field read past struct data section", nil)
	}
	return r.checkRange(structOff+byteOff, size)
}
