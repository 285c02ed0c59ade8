package rpcproto

import (
	"github.com/argotunnel/tunnelengine/pkg/capnp"
)

// bootstrapScratchBytes is generous for the tiny Bootstrap message.
const bootstrapScratchBytes = 64

// callScratchBytes comfortably covers the Call message's nested structs;
// §5 recommends 4 KiB for RPC messages and this stays well under it.
const callScratchBytes = 1024

// EncodeBootstrap builds the Bootstrap message: "question identifier 0 and
// a null deprecated-object pointer" (§4.C). It always precedes the Call
// message on the wire.
func EncodeBootstrap() ([]byte, error) {
	b := capnp.NewBuilder(make([]byte, bootstrapScratchBytes))

	if _, err := b.Alloc(1); err != nil { // root pointer word
		return nil, err
	}
	msgOff, err := b.Alloc(1 + 1) // Message: 1 data word, 1 pointer word
	if err != nil {
		return nil, err
	}
	b.PutUint16(msgOff, 0, msgDiscBootstrap)

	bootstrapOff, err := b.Alloc(1 + 1) // Bootstrap: 1 data word, 1 pointer
	if err != nil {
		return nil, err
	}
	b.PutUint32(bootstrapOff, 0, 0) // question id = 0
	b.WriteNullPointer(bootstrapOff + 8)

	if err := b.WriteStructPointer(msgOff+8, bootstrapOff, 1, 1); err != nil {
		return nil, err
	}
	if err := b.RootStructPointer(msgOff, 1, 1); err != nil {
		return nil, err
	}
	return b.Finalize(nil)
}

// EncodeCall builds the Call message carrying the tunnel's registration
// parameters, pipelined against the Bootstrap's promised answer (§4.C).
func EncodeCall(p RegistrationParams) ([]byte, error) {
	b := capnp.NewBuilder(make([]byte, callScratchBytes))

	if _, err := b.Alloc(1); err != nil { // root pointer word
		return nil, err
	}
	msgOff, err := b.Alloc(1 + 1) // Message: 1 data word, 1 pointer
	if err != nil {
		return nil, err
	}
	b.PutUint16(msgOff, 0, msgDiscCall)

	callOff, err := b.Alloc(3 + 3) // Call: 3 data words, 3 pointers
	if err != nil {
		return nil, err
	}
	b.PutUint32(callOff, 0, 1)               // question id = 1
	b.PutUint16(callOff, 4, 0)                // method id = 0
	b.PutUint16(callOff, 6, 0)                // sendResultsTo = caller
	b.PutUint64(callOff, 8, InterfaceID)      // interface id

	// Call.pointer0 -> MessageTarget, pipelined against question id 0.
	targetOff, err := b.Alloc(1 + 1) // MessageTarget: 1 data word, 1 pointer
	if err != nil {
		return nil, err
	}
	b.PutUint16(targetOff, 0, 1) // which = promisedAnswer

	promisedOff, err := b.Alloc(1 + 1) // PromisedAnswer: 1 data word, 1 pointer
	if err != nil {
		return nil, err
	}
	b.PutUint32(promisedOff, 0, 0) // question id 0, the Bootstrap's answer
	b.WriteNullPointer(promisedOff + 8) // transform, empty

	if err := b.WriteStructPointer(targetOff+8, promisedOff, 1, 1); err != nil {
		return nil, err
	}
	if err := b.WriteStructPointer(callOff+24, targetOff, 1, 1); err != nil {
		return nil, err
	}

	// Call.pointer1 -> Payload{params, null cap table}.
	payloadOff, err := b.Alloc(0 + 2) // Payload: 0 data words, 2 pointers
	if err != nil {
		return nil, err
	}

	paramsOff, err := b.Alloc(1 + 3) // Params: 1 data word, 3 pointers
	if err != nil {
		return nil, err
	}
	b.PutUint8(paramsOff, 0, p.ConnIndex)

	authOff, err := b.Alloc(0 + 2) // TunnelAuth: 0 data words, 2 pointers
	if err != nil {
		return nil, err
	}
	if _, err := b.WriteText(authOff+0, p.AccountTag); err != nil {
		return nil, err
	}
	if _, err := b.WriteData(authOff+8, p.TunnelSecret); err != nil {
		return nil, err
	}
	if err := b.WriteStructPointer(paramsOff+8, authOff, 0, 2); err != nil {
		return nil, err
	}

	if _, err := b.WriteData(paramsOff+16, p.TunnelID[:]); err != nil {
		return nil, err
	}

	connOptOff, err := b.Alloc(1 + 2) // ConnectionOptions: 1 data word, 2 pointers
	if err != nil {
		return nil, err
	}
	b.PutBit(connOptOff, 0, 0, p.ReplaceExisting)
	b.PutUint8(connOptOff, 1, p.CompressionQuality)
	b.PutUint8(connOptOff, 2, p.NumPreviousAttempts)

	clientInfoOff, err := b.Alloc(0 + 4) // ClientInfo: 0 data words, 4 pointers
	if err != nil {
		return nil, err
	}
	if _, err := b.WriteData(clientInfoOff+0, p.ClientID[:]); err != nil {
		return nil, err
	}
	emptyFeaturesOff, err := b.Alloc(0)
	if err != nil {
		return nil, err
	}
	if err := b.WriteListPointer(clientInfoOff+8, emptyFeaturesOff, capnp.ElemSizeByte, 0); err != nil {
		return nil, err
	}
	if _, err := b.WriteText(clientInfoOff+16, p.ClientVersion); err != nil {
		return nil, err
	}
	if _, err := b.WriteText(clientInfoOff+24, p.ClientArch); err != nil {
		return nil, err
	}

	if err := b.WriteStructPointer(connOptOff+8, clientInfoOff, 0, 4); err != nil {
		return nil, err
	}
	b.WriteNullPointer(connOptOff + 16)

	if err := b.WriteStructPointer(paramsOff+24, connOptOff, 1, 2); err != nil {
		return nil, err
	}

	if err := b.WriteStructPointer(payloadOff+0, paramsOff, 1, 3); err != nil {
		return nil, err
	}
	b.WriteNullPointer(payloadOff + 8)

	if err := b.WriteStructPointer(callOff+32, payloadOff, 0, 2); err != nil {
		return nil, err
	}
	b.WriteNullPointer(callOff + 40)

	if err := b.WriteStructPointer(msgOff+8, callOff, 3, 3); err != nil {
		return nil, err
	}
	if err := b.RootStructPointer(msgOff, 1, 1); err != nil {
		return nil, err
	}
	return b.Finalize(nil)
}

// EncodeRegistration builds the Bootstrap+Call pair as two independent
// single-segment frames, written back-to-back (§4.C). Callers wrap each
// with framing.Wrap before sending.
func EncodeRegistration(p RegistrationParams) (bootstrap []byte, call []byte, err error) {
	bootstrap, err = EncodeBootstrap()
	if err != nil {
		return nil, nil, err
	}
	call, err = EncodeCall(p)
	if err != nil {
		return nil, nil, err
	}
	return bootstrap, call, nil
}
