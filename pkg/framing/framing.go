// Package framing implements the fixed preamble that precedes every
// data-stream capability-RPC message (§4.B), plus the incremental size
// probe the orchestrator uses to know when a full message has arrived.
package framing

import (
	"bytes"

	"github.com/argotunnel/tunnelengine/pkg/capnp"
	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

// Signature is the 6-byte data-stream protocol signature (§6, bit-exact).
var Signature = [6]byte{0x0A, 0x36, 0xCD, 0x12, 0xA1, 0x3E}

// RPCStreamSignature is the sibling signature for a plain RPC stream.
// Not used by the core's current responsibilities (§6), kept only so the
// constant is documented alongside Signature.
var RPCStreamSignature = [6]byte{0x52, 0xBB, 0x82, 0x5C, 0xDB, 0x65}

// Version is the 2-byte ASCII version carried in every preamble.
var Version = [2]byte{'0', '1'}

// PreambleLen is the total preamble size: signature plus version.
const PreambleLen = len(Signature) + len(Version)

// Wrap prepends the preamble to an already-encoded capnp message body.
func Wrap(body []byte) []byte {
	out := make([]byte, 0, PreambleLen+len(body))
	out = append(out, Signature[:]...)
	out = append(out, Version[:]...)
	out = append(out, body...)
	return out
}

// Unwrap validates the preamble at the start of buf and returns the bytes
// following it. It does not validate that those bytes form a complete
// message; callers combine it with Probe for that.
func Unwrap(buf []byte) ([]byte, error) {
	if len(buf) < PreambleLen {
		return nil, tunnelerrors.NewFramingError("unwrap", "buffer shorter than preamble", nil)
	}
	if !bytes.Equal(buf[:len(Signature)], Signature[:]) {
		return nil, tunnelerrors.NewFramingError("unwrap", "preamble signature mismatch", nil)
	}
	if !bytes.Equal(buf[len(Signature):PreambleLen], Version[:]) {
		return nil, tunnelerrors.NewFramingError("unwrap", "preamble version mismatch", nil)
	}
	return buf[PreambleLen:], nil
}

// Probe reports how many bytes a complete preamble+message occupies at the
// start of buf, or 0 if not enough bytes have arrived yet to know. It is
// the incremental parser's core primitive (§4.G): called repeatedly as
// more bytes arrive on a stream.
func Probe(buf []byte) (int, error) {
	if len(buf) < PreambleLen {
		return 0, nil
	}
	if !bytes.Equal(buf[:len(Signature)], Signature[:]) {
		return 0, tunnelerrors.NewFramingError("probe", "preamble signature mismatch", nil)
	}
	if !bytes.Equal(buf[len(Signature):PreambleLen], Version[:]) {
		return 0, tunnelerrors.NewFramingError("probe", "preamble version mismatch", nil)
	}
	bodySize, err := capnp.MessageWordSize(buf[PreambleLen:])
	if err != nil {
		return 0, err
	}
	if bodySize == 0 {
		return 0, nil
	}
	total := PreambleLen + bodySize
	if len(buf) < total {
		return 0, nil
	}
	return total, nil
}
