package dataproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectRequestRoundTrip(t *testing.T) {
	md := NewMetadata()
	md.Add(KeyHTTPMethod, "GET")
	md.Add(KeyHTTPHost, "example.invalid")
	md.Add(HeaderKey("Accept"), "*/*")

	req := ConnectRequest{Type: ConnTypeHTTP, Destination: "/hello", Metadata: md}
	raw, err := EncodeConnectRequest(req)
	require.NoError(t, err)

	got, err := DecodeConnectRequest(raw)
	require.NoError(t, err)
	require.Equal(t, ConnTypeHTTP, got.Type)
	require.Equal(t, "/hello", got.Destination)
	require.Equal(t, 3, got.Metadata.Len())
	v, ok := got.Metadata.Get(KeyHTTPMethod)
	require.True(t, ok)
	require.Equal(t, "GET", v)
	v, ok = got.Metadata.Get(HeaderKey("Accept"))
	require.True(t, ok)
	require.Equal(t, "*/*", v)
}

func TestConnectResponseRoundTrip(t *testing.T) {
	md := NewMetadata()
	md.Add(KeyHTTPStatus, FormatStatus(200))
	md.Add(HeaderKey("Content-Type"), "text/plain")

	resp := ConnectResponse{Error: "", Metadata: md}
	raw, err := EncodeConnectResponse(resp)
	require.NoError(t, err)

	got, err := DecodeConnectResponse(raw)
	require.NoError(t, err)
	require.Equal(t, "", got.Error)
	statusStr, ok := got.Metadata.Get(KeyHTTPStatus)
	require.True(t, ok)
	code, err := ParseStatus(statusStr)
	require.NoError(t, err)
	require.Equal(t, 200, code)
}

func TestConnectResponseWithError(t *testing.T) {
	resp := ConnectResponse{Error: "origin unreachable", Metadata: NewMetadata()}
	raw, err := EncodeConnectResponse(resp)
	require.NoError(t, err)

	got, err := DecodeConnectResponse(raw)
	require.NoError(t, err)
	require.Equal(t, "origin unreachable", got.Error)
	require.Equal(t, 0, got.Metadata.Len())
}

func TestEmptyMetadataListRoundTrip(t *testing.T) {
	req := ConnectRequest{Type: ConnTypeTCP, Destination: "", Metadata: NewMetadata()}
	raw, err := EncodeConnectRequest(req)
	require.NoError(t, err)

	got, err := DecodeConnectRequest(raw)
	require.NoError(t, err)
	require.Equal(t, ConnTypeTCP, got.Type)
	require.Equal(t, 0, got.Metadata.Len())
}

func TestMetadataDropsPast32Entries(t *testing.T) {
	md := NewMetadata()
	for i := 0; i < MaxMetadataEntries+1; i++ {
		md.Add("k", "v")
	}
	require.Equal(t, MaxMetadataEntries, md.Len())
	require.Equal(t, 1, md.Dropped)
}

func TestMetadataTruncatesOversizedKeyAndValue(t *testing.T) {
	md := NewMetadata()
	longKey := make([]byte, MaxKeyLen+10)
	longVal := make([]byte, MaxValueLen+10)
	for i := range longKey {
		longKey[i] = 'k'
	}
	for i := range longVal {
		longVal[i] = 'v'
	}
	truncated := md.Add(string(longKey), string(longVal))
	require.True(t, truncated)
	k, v := "", ""
	md.Each(func(key, value string) { k, v = key, value })
	require.Len(t, k, MaxKeyLen)
	require.Len(t, v, MaxValueLen)
}

func TestHeaderKeyRoundTrip(t *testing.T) {
	key := HeaderKey("Content-Length")
	name, ok := HeaderName(key)
	require.True(t, ok)
	require.Equal(t, "Content-Length", name)

	_, ok = HeaderName(KeyHTTPMethod)
	require.False(t, ok)
}
