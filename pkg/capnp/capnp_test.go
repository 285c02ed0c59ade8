package capnp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructPointerRoundTrip(t *testing.T) {
	scratch := make([]byte, 256)
	b := NewBuilder(scratch)

	// root pointer word, then a struct with 2 data words and 1 ptr word.
	rootPtrOff, err := b.Alloc(1)
	require.NoError(t, err)
	structOff, err := b.Alloc(3)
	require.NoError(t, err)
	require.NoError(t, b.WriteStructPointer(rootPtrOff, structOff, 2, 1))

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	info, err := r.ReadStructPointer(rootPtrOff)
	require.NoError(t, err)
	require.False(t, info.IsNull)
	require.Equal(t, structOff, info.Off)
	require.Equal(t, uint16(2), info.DataWords)
	require.Equal(t, uint16(1), info.PtrWords)
}

func TestStructPointerBackwardOffset(t *testing.T) {
	scratch := make([]byte, 256)
	b := NewBuilder(scratch)

	structOff, err := b.Alloc(1)
	require.NoError(t, err)
	ptrOff, err := b.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, b.WriteStructPointer(ptrOff, structOff, 1, 0))

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	info, err := r.ReadStructPointer(ptrOff)
	require.NoError(t, err)
	require.Equal(t, structOff, info.Off)
}

func TestNullStructPointer(t *testing.T) {
	scratch := make([]byte, 64)
	b := NewBuilder(scratch)
	ptrOff, err := b.Alloc(1)
	require.NoError(t, err)
	b.WriteNullPointer(ptrOff)

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	info, err := r.ReadStructPointer(ptrOff)
	require.NoError(t, err)
	require.True(t, info.IsNull)
}

func TestTextRoundTrip(t *testing.T) {
	cases := []string{"", "a", "hello world", "x86_64", "v/0.1.0"}
	for _, s := range cases {
		scratch := make([]byte, 4096)
		b := NewBuilder(scratch)
		ptrOff, err := b.Alloc(1)
		require.NoError(t, err)
		_, err = b.WriteText(ptrOff, s)
		require.NoError(t, err)

		seg := &Segment{body: b.Bytes()}
		r := NewReader(seg)
		got, err := r.ReadText(ptrOff)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestTextNullPointerDecodesEmpty(t *testing.T) {
	scratch := make([]byte, 64)
	b := NewBuilder(scratch)
	ptrOff, err := b.Alloc(1)
	require.NoError(t, err)
	b.WriteNullPointer(ptrOff)

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	got, err := r.ReadText(ptrOff)
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestDataRoundTrip(t *testing.T) {
	scratch := make([]byte, 1024)
	b := NewBuilder(scratch)
	ptrOff, err := b.Alloc(1)
	require.NoError(t, err)
	payload := []byte{0x01, 0x02, 0x03, 0xff, 0x00, 0xAB}
	_, err = b.WriteData(ptrOff, payload)
	require.NoError(t, err)

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	got, err := r.ReadData(ptrOff)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCompositeListRoundTrip(t *testing.T) {
	scratch := make([]byte, 4096)
	b := NewBuilder(scratch)
	listPtrOff, err := b.Alloc(1)
	require.NoError(t, err)

	const n = 5
	const dw, pc = 0, 2 // Metadata: 0 data words, 2 pointer words
	bodyOff, err := b.Alloc(1 + n*(dw+pc))
	require.NoError(t, err)
	require.NoError(t, b.WriteCompositeTag(bodyOff, n, dw, pc))
	require.NoError(t, b.WriteListPointer(listPtrOff, bodyOff, ElemSizeComposite, uint32(1+n*(dw+pc))))

	for i := 0; i < n; i++ {
		elemOff := CompositeElemOffset(bodyOff, i, CompositeElem{DataWords: dw, PtrWords: pc})
		keyPtr := elemOff
		valPtr := elemOff + 8
		_, err := b.WriteText(keyPtr, "k")
		require.NoError(t, err)
		_, err = b.WriteText(valPtr, "v")
		require.NoError(t, err)
	}

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	listInfo, err := r.ReadListPointer(listPtrOff)
	require.NoError(t, err)
	require.Equal(t, ElemSizeComposite, listInfo.ElemSizeTag)
	require.Equal(t, uint32(1+n*(dw+pc)), listInfo.Count)

	shape, count, err := r.ReadCompositeTag(listInfo.Off)
	require.NoError(t, err)
	require.Equal(t, n, count)
	require.Equal(t, uint16(dw), shape.DataWords)
	require.Equal(t, uint16(pc), shape.PtrWords)

	for i := 0; i < n; i++ {
		elemOff := CompositeElemOffset(listInfo.Off, i, shape)
		k, err := r.ReadText(elemOff)
		require.NoError(t, err)
		v, err := r.ReadText(elemOff + 8)
		require.NoError(t, err)
		require.Equal(t, "k", k)
		require.Equal(t, "v", v)
	}
}

func TestCompositeListZeroElements(t *testing.T) {
	scratch := make([]byte, 256)
	b := NewBuilder(scratch)
	listPtrOff, err := b.Alloc(1)
	require.NoError(t, err)
	bodyOff, err := b.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, b.WriteCompositeTag(bodyOff, 0, 0, 2))
	require.NoError(t, b.WriteListPointer(listPtrOff, bodyOff, ElemSizeComposite, 1))

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	listInfo, err := r.ReadListPointer(listPtrOff)
	require.NoError(t, err)
	require.Equal(t, uint32(1), listInfo.Count)
	_, count, err := r.ReadCompositeTag(listInfo.Off)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestFieldAccessors(t *testing.T) {
	scratch := make([]byte, 64)
	b := NewBuilder(scratch)
	structOff, err := b.Alloc(2)
	require.NoError(t, err)
	b.PutUint16(structOff, 0, 42)
	b.PutUint64(structOff, 8, 0xF71695EC7FE85497)
	b.PutBit(structOff, 2, 2, true)

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	v16, err := r.Uint16(structOff, 0, 16)
	require.NoError(t, err)
	require.Equal(t, uint16(42), v16)

	v64, err := r.Uint64(structOff, 8, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(0xF71695EC7FE85497), v64)

	bit, err := r.Bit(structOff, 2, 2, 16)
	require.NoError(t, err)
	require.True(t, bit)

	bit0, err := r.Bit(structOff, 2, 0, 16)
	require.NoError(t, err)
	require.False(t, bit0)
}

func TestBitDefaultsFalseWhenFieldAbsent(t *testing.T) {
	scratch := make([]byte, 64)
	b := NewBuilder(scratch)
	structOff, err := b.Alloc(1)
	require.NoError(t, err)

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	// dataWordsLen=0 simulates an older peer whose struct omitted this word.
	bit, err := r.Bit(structOff, 8, 0, 0)
	require.NoError(t, err)
	require.False(t, bit)
}

func TestEncodeScratchOverflowIsError(t *testing.T) {
	scratch := make([]byte, 8)
	b := NewBuilder(scratch)
	_, err := b.Alloc(1)
	require.NoError(t, err)
	_, err = b.Alloc(1)
	require.Error(t, err)
}

func TestListPointerWrongTagIsFramingError(t *testing.T) {
	scratch := make([]byte, 64)
	b := NewBuilder(scratch)
	ptrOff, err := b.Alloc(1)
	require.NoError(t, err)
	structOff, err := b.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, b.WriteStructPointer(ptrOff, structOff, 1, 0))

	seg := &Segment{body: b.Bytes()}
	r := NewReader(seg)
	_, err = r.ReadListPointer(ptrOff)
	require.Error(t, err)
}

func TestMessageWordSizeIncremental(t *testing.T) {
	scratch := make([]byte, 256)
	b := NewBuilder(scratch)
	ptrOff, err := b.Alloc(1)
	require.NoError(t, err)
	_, err = b.WriteText(ptrOff, "hello")
	require.NoError(t, err)
	msg1, err := b.Finalize(nil)
	require.NoError(t, err)

	scratch2 := make([]byte, 256)
	b2 := NewBuilder(scratch2)
	ptrOff2, err := b2.Alloc(1)
	require.NoError(t, err)
	_, err = b2.WriteText(ptrOff2, "world!!")
	require.NoError(t, err)
	msg2, err := b2.Finalize(nil)
	require.NoError(t, err)

	concat := append(append([]byte{}, msg1...), msg2...)

	size, err := MessageWordSize(concat)
	require.NoError(t, err)
	require.Equal(t, len(msg1), size)

	size, err = MessageWordSize(concat[:len(msg1)-1])
	require.NoError(t, err)
	require.Equal(t, 0, size)
}
