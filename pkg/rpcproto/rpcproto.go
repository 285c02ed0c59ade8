// Package rpcproto implements the control-stream registration exchange of
// §4.C: encoding the Bootstrap+Call message pair and decoding the peer's
// Return. It is built on pkg/capnp and works on unwrapped message bodies
// (the preamble framing of pkg/framing is left to callers); it never logs
// (§7: "the codec itself does no logging" extends to this layer too — only
// pkg/orchestrator logs).
package rpcproto

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Message discriminants (§4.C).
const (
	msgDiscBootstrap uint16 = 8
	msgDiscCall       uint16 = 2
	msgDiscReturn     uint16 = 3
)

// Return union discriminants, at data byte 6 of the Return struct.
const (
	returnUnionResults    uint16 = 0
	returnUnionException  uint16 = 1
	returnUnionCanceled   uint16 = 2
)

// ConnectionResponse union discriminant, at data byte 0.
const (
	connResponseError   uint16 = 0
	connResponseDetails uint16 = 1
)

// InterfaceID is the contract-fixed interface identifier carried in the
// Call struct's data section (§6).
const InterfaceID uint64 = 0xF71695EC7FE85497

// RegistrationParams carries everything needed to build the Bootstrap+Call
// pair for one connection.
type RegistrationParams struct {
	ConnIndex           uint8
	AccountTag          string
	TunnelSecret        []byte
	TunnelID            [16]byte
	ReplaceExisting     bool
	CompressionQuality  uint8
	NumPreviousAttempts uint8
	ClientID            [16]byte
	ClientVersion       string
	ClientArch          string
}

// Outcome classifies how a registration attempt concluded, matching the
// three-way contract of §4.C: "Success(details), Retryable(error,
// retry_after_ns), Fatal(error)".
type Outcome int

const (
	// OutcomeSuccess means the peer returned ConnectionDetails.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the peer rejected registration but the
	// caller may retry (ConnectionError with should_retry, or Exception).
	OutcomeRetryable
	// OutcomeFatal means the peer rejected registration with no retry
	// expected, or the Return could not be decoded.
	OutcomeFatal
	// OutcomeSkip marks a Return this component intentionally ignores
	// (the Bootstrap's own answer, question id 0).
	OutcomeSkip
)

// RegistrationResult is the decoded outcome of one Return frame.
type RegistrationResult struct {
	Outcome Outcome

	// Populated when Outcome == OutcomeSuccess.
	ConnectionUUID  string
	LocationTag     string
	RemotelyManaged bool

	// Populated when Outcome is Retryable or Fatal.
	ErrorText       string
	RetryAfterNanos int64
	ShouldRetry     bool

	// QuestionID lets the caller recognize and skip the Bootstrap's own
	// Return (question id 0) per §4.C.
	QuestionID uint32
}

// formatConnectionUUID implements the §8 boundary behavior: canonical
// 8-4-4-4-12 lowercase hex iff the input is exactly 16 bytes, otherwise a
// plain hex dump.
func formatConnectionUUID(b []byte) string {
	if len(b) == 16 {
		id, err := uuid.FromBytes(b)
		if err == nil {
			return id.String()
		}
	}
	return hex.EncodeToString(b)
}
