// Package dataproto implements the data-stream dispatch protocol of §4.D:
// decoding a peer's ConnectRequest and encoding the ConnectResponse sent
// back, plus the HTTP metadata-key conventions the orchestrator and origin
// bridge share.
package dataproto

import (
	"strconv"

	"github.com/argotunnel/tunnelengine/pkg/capnp"
	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

// ConnType is the ConnectRequest's connection-type enum.
type ConnType uint16

const (
	ConnTypeHTTP      ConnType = 0
	ConnTypeWebSocket ConnType = 1
	ConnTypeTCP       ConnType = 2
)

// Metadata key conventions (§4.D).
const (
	KeyHTTPMethod     = "HttpMethod"
	KeyHTTPHost       = "HttpHost"
	KeyHTTPStatus     = "HttpStatus"
	headerKeyPrefix   = "HttpHeader:"
)

// HeaderKey builds the metadata key carrying one forwarded or returned
// HTTP header.
func HeaderKey(name string) string {
	return headerKeyPrefix + name
}

// HeaderName reports the header name carried by a metadata key built with
// HeaderKey, and whether key was in fact a header key.
func HeaderName(key string) (string, bool) {
	if len(key) <= len(headerKeyPrefix) || key[:len(headerKeyPrefix)] != headerKeyPrefix {
		return "", false
	}
	return key[len(headerKeyPrefix):], true
}

// Bounded limits (§4.D, §8).
const (
	MaxMetadataEntries = 32
	MaxKeyLen          = 128
	MaxValueLen        = 512
)

// Metadata is an ordered, bounded (key, value) list shared by
// ConnectRequest and ConnectResponse.
type Metadata struct {
	entries []metadataEntry
	// Dropped counts entries rejected past MaxMetadataEntries (§8: "the
	// 33rd on either direction is dropped, not fatal").
	Dropped int
}

type metadataEntry struct {
	key   string
	value string
}

// NewMetadata returns an empty bounded metadata list.
func NewMetadata() *Metadata {
	return &Metadata{}
}

// Add appends one (key, value) entry, truncating an oversized key or value
// and dropping the entry entirely past MaxMetadataEntries. Both cases are
// non-fatal per §4.D's "overflow truncates the excess ... but is logged".
func (m *Metadata) Add(key, value string) (truncated bool) {
	if len(m.entries) >= MaxMetadataEntries {
		m.Dropped++
		return false
	}
	if len(key) > MaxKeyLen {
		key = key[:MaxKeyLen]
		truncated = true
	}
	if len(value) > MaxValueLen {
		value = value[:MaxValueLen]
		truncated = true
	}
	m.entries = append(m.entries, metadataEntry{key: key, value: value})
	return truncated
}

// Get returns the value of the first entry with the given key.
func (m *Metadata) Get(key string) (string, bool) {
	for _, e := range m.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Each calls fn for every entry in order.
func (m *Metadata) Each(fn func(key, value string)) {
	for _, e := range m.entries {
		fn(e.key, e.value)
	}
}

// Len reports the number of entries currently held.
func (m *Metadata) Len() int {
	return len(m.entries)
}

// ConnectRequest is the decoded form of a peer's ConnectRequest (§4.D).
type ConnectRequest struct {
	Type        ConnType
	Destination string
	Metadata    *Metadata
}

// ConnectResponse is the encode-side form of a ConnectResponse (§4.D).
type ConnectResponse struct {
	// Error is empty on success.
	Error    string
	Metadata *Metadata
}

const metadataElemDataWords = 0
const metadataElemPtrWords = 2

// connectScratchBytes is generous for the header counts real HTTP traffic
// carries; §5 recommends 4 KiB for RPC messages.
const connectScratchBytes = 4096

// DecodeConnectRequest parses one unwrapped ConnectRequest message body.
func DecodeConnectRequest(raw []byte) (*ConnectRequest, error) {
	seg, err := capnp.ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	r := capnp.NewReader(seg)

	reqInfo, err := r.ReadStructPointer(0)
	if err != nil {
		return nil, err
	}
	if reqInfo.IsNull {
		return nil, tunnelerrors.NewFramingError("decode", "ConnectRequest root pointer is null", nil)
	}
	dataLen := int(reqInfo.DataWords) * 8
	typ, err := r.Uint16(reqInfo.Off, 0, dataLen)
	if err != nil {
		return nil, err
	}

	dest, err := r.ReadText(reqInfo.Off + dataLen)
	if err != nil {
		return nil, err
	}

	md, err := decodeMetadataList(r, reqInfo.Off+dataLen+8)
	if err != nil {
		return nil, err
	}

	return &ConnectRequest{
		Type:        ConnType(typ),
		Destination: dest,
		Metadata:    md,
	}, nil
}

// decodeMetadataList decodes a composite list of Metadata entries, capping
// at MaxMetadataEntries (§8).
func decodeMetadataList(r *capnp.Reader, listPtrOff int) (*Metadata, error) {
	md := NewMetadata()
	listInfo, err := r.ReadListPointer(listPtrOff)
	if err != nil {
		return nil, err
	}
	if listInfo.IsNull || listInfo.Count == 0 {
		return md, nil
	}
	if listInfo.ElemSizeTag != capnp.ElemSizeComposite {
		return nil, tunnelerrors.NewFramingError("decode", "metadata pointer is not a composite list", nil)
	}
	shape, n, err := r.ReadCompositeTag(listInfo.Off)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		elemOff := capnp.CompositeElemOffset(listInfo.Off, i, shape)
		key, err := r.ReadText(elemOff)
		if err != nil {
			return nil, err
		}
		val, err := r.ReadText(elemOff + 8)
		if err != nil {
			return nil, err
		}
		md.Add(key, val)
	}
	return md, nil
}

// EncodeConnectRequest builds a ConnectRequest message, used by tests and
// by any future peer-side simulation of the wire format.
func EncodeConnectRequest(req ConnectRequest) ([]byte, error) {
	b := capnp.NewBuilder(make([]byte, connectScratchBytes))
	if _, err := b.Alloc(1); err != nil {
		return nil, err
	}
	reqOff, err := b.Alloc(1 + 2) // ConnectRequest: 1 data word, 2 pointers
	if err != nil {
		return nil, err
	}
	b.PutUint16(reqOff, 0, uint16(req.Type))
	if _, err := b.WriteText(reqOff+8, req.Destination); err != nil {
		return nil, err
	}
	if err := encodeMetadataList(b, reqOff+16, req.Metadata); err != nil {
		return nil, err
	}
	if err := b.RootStructPointer(reqOff, 1, 2); err != nil {
		return nil, err
	}
	return b.Finalize(nil)
}

// DecodeConnectResponse parses one unwrapped ConnectResponse message body.
func DecodeConnectResponse(raw []byte) (*ConnectResponse, error) {
	seg, err := capnp.ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	r := capnp.NewReader(seg)

	respInfo, err := r.ReadStructPointer(0)
	if err != nil {
		return nil, err
	}
	if respInfo.IsNull {
		return nil, tunnelerrors.NewFramingError("decode", "ConnectResponse root pointer is null", nil)
	}
	errText, err := r.ReadText(respInfo.Off + 0)
	if err != nil {
		return nil, err
	}
	md, err := decodeMetadataList(r, respInfo.Off+8)
	if err != nil {
		return nil, err
	}
	return &ConnectResponse{Error: errText, Metadata: md}, nil
}

// EncodeConnectResponse builds a ConnectResponse message body (without the
// §4.B preamble; callers wrap with framing.Wrap).
func EncodeConnectResponse(resp ConnectResponse) ([]byte, error) {
	b := capnp.NewBuilder(make([]byte, connectScratchBytes))
	if _, err := b.Alloc(1); err != nil {
		return nil, err
	}
	respOff, err := b.Alloc(0 + 2) // ConnectResponse: 0 data words, 2 pointers
	if err != nil {
		return nil, err
	}
	if _, err := b.WriteText(respOff+0, resp.Error); err != nil {
		return nil, err
	}
	if err := encodeMetadataList(b, respOff+8, resp.Metadata); err != nil {
		return nil, err
	}
	if err := b.RootStructPointer(respOff, 0, 2); err != nil {
		return nil, err
	}
	return b.Finalize(nil)
}

// encodeMetadataList writes a composite list of Metadata entries at
// ptrOff. A nil or empty md still encodes as a valid zero-element list
// (§8: "n = 0 encodes as list pointer whose count field is 1").
func encodeMetadataList(b *capnp.Builder, ptrOff int, md *Metadata) error {
	n := 0
	if md != nil {
		n = md.Len()
	}
	bodyOff, err := b.Alloc(1 + n*(metadataElemDataWords+metadataElemPtrWords))
	if err != nil {
		return err
	}
	if err := b.WriteCompositeTag(bodyOff, n, metadataElemDataWords, metadataElemPtrWords); err != nil {
		return err
	}
	if err := b.WriteListPointer(ptrOff, bodyOff, capnp.ElemSizeComposite, uint32(1+n*(metadataElemDataWords+metadataElemPtrWords))); err != nil {
		return err
	}
	if md == nil {
		return nil
	}
	i := 0
	var encErr error
	md.Each(func(key, value string) {
		if encErr != nil {
			return
		}
		shape := capnp.CompositeElem{DataWords: metadataElemDataWords, PtrWords: metadataElemPtrWords}
		elemOff := capnp.CompositeElemOffset(bodyOff, i, shape)
		if _, err := b.WriteText(elemOff, key); err != nil {
			encErr = err
			return
		}
		if _, err := b.WriteText(elemOff+8, value); err != nil {
			encErr = err
			return
		}
		i++
	})
	return encErr
}

// FormatStatus renders an HTTP status code as the decimal string stored
// under KeyHTTPStatus.
func FormatStatus(code int) string {
	return strconv.Itoa(code)
}

// ParseStatus parses the decimal string stored under KeyHTTPStatus.
func ParseStatus(s string) (int, error) {
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, tunnelerrors.NewValidationError("HttpStatus value is not a decimal integer")
	}
	return code, nil
}
