package rpcproto

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/argotunnel/tunnelengine/pkg/capnp"
	tunnelerrors "github.com/argotunnel/tunnelengine/pkg/errors"
)

// DecodeReturn parses one unwrapped Return message body and classifies it
// per the three-way contract of §4.C. The Bootstrap's own Return (question
// id 0) decodes successfully with Outcome == OutcomeSkip; orchestrator
// callers should ignore it and wait for the Call's Return instead.
func DecodeReturn(raw []byte) (*RegistrationResult, error) {
	seg, err := capnp.ParseMessage(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parsing Return message")
	}
	r := capnp.NewReader(seg)

	msgInfo, err := r.ReadStructPointer(0)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading Return message root pointer")
	}
	if msgInfo.IsNull {
		return nil, tunnelerrors.NewRegistrationError("Return message root pointer is null", nil)
	}
	msgDataLen := int(msgInfo.DataWords) * 8
	disc, err := r.Uint16(msgInfo.Off, 0, msgDataLen)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading Message discriminant")
	}
	if disc != msgDiscReturn {
		return nil, tunnelerrors.NewRegistrationError("expected a Return message", nil)
	}

	retInfo, err := r.ReadStructPointer(msgInfo.Off + 8)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading Return struct pointer")
	}
	if retInfo.IsNull {
		return nil, tunnelerrors.NewRegistrationError("Return struct pointer is null", nil)
	}
	retDataLen := int(retInfo.DataWords) * 8

	questionID, err := r.Uint32(retInfo.Off, 0, retDataLen)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading Return.questionId")
	}
	if questionID == 0 {
		return &RegistrationResult{Outcome: OutcomeSkip, QuestionID: questionID}, nil
	}

	unionDisc, err := r.Uint16(retInfo.Off, 6, retDataLen)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading Return union discriminant")
	}

	// Return's sole pointer: for Results, a Payload; for Exception, the
	// Exception struct. Canceled carries none.
	retPtr, err := r.ReadStructPointer(retInfo.Off + retDataLen)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading Return's sole pointer")
	}

	switch unionDisc {
	case returnUnionResults:
		return decodeResults(r, retPtr, questionID)
	case returnUnionException:
		return decodeException(r, retPtr, questionID)
	case returnUnionCanceled:
		return &RegistrationResult{
			Outcome:    OutcomeFatal,
			ErrorText:  "canceled",
			QuestionID: questionID,
		}, nil
	default:
		return nil, tunnelerrors.NewRegistrationError("unknown Return union discriminant", nil)
	}
}

func decodeResults(r *capnp.Reader, payloadInfo capnp.StructInfo, questionID uint32) (*RegistrationResult, error) {
	if payloadInfo.IsNull {
		return nil, tunnelerrors.NewRegistrationError("Results Payload pointer is null", nil)
	}
	// Payload: 0 data words, 2 pointers. pointer0 = content -> Results
	// wrapper (0 data, 1 pointer) -> ConnectionResponse.
	contentInfo, err := r.ReadStructPointer(payloadInfo.Off + 0)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading Results content pointer")
	}
	if contentInfo.IsNull {
		return nil, tunnelerrors.NewRegistrationError("Results content pointer is null", nil)
	}
	connRespInfo, err := r.ReadStructPointer(contentInfo.Off + 0)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading ConnectionResponse pointer")
	}
	if connRespInfo.IsNull {
		return nil, tunnelerrors.NewRegistrationError("ConnectionResponse pointer is null", nil)
	}
	connRespDataLen := int(connRespInfo.DataWords) * 8
	connDisc, err := r.Uint16(connRespInfo.Off, 0, connRespDataLen)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading ConnectionResponse discriminant")
	}

	variantInfo, err := r.ReadStructPointer(connRespInfo.Off + connRespDataLen)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading ConnectionResponse variant pointer")
	}
	if variantInfo.IsNull {
		return nil, tunnelerrors.NewRegistrationError("ConnectionResponse variant pointer is null", nil)
	}
	variantDataLen := int(variantInfo.DataWords) * 8

	switch connDisc {
	case connResponseDetails:
		remotelyManaged, err := r.Bit(variantInfo.Off, 0, 0, variantDataLen)
		if err != nil {
			return nil, err
		}
		uuidBytes, err := r.ReadData(variantInfo.Off + variantDataLen)
		if err != nil {
			return nil, err
		}
		location, err := r.ReadText(variantInfo.Off + variantDataLen + 8)
		if err != nil {
			return nil, err
		}
		return &RegistrationResult{
			Outcome:         OutcomeSuccess,
			ConnectionUUID:  formatConnectionUUID(uuidBytes),
			LocationTag:     location,
			RemotelyManaged: remotelyManaged,
			QuestionID:      questionID,
		}, nil
	case connResponseError:
		retryAfter, err := r.Int64(variantInfo.Off, 0, variantDataLen)
		if err != nil {
			return nil, err
		}
		shouldRetry, err := r.Bit(variantInfo.Off, 8, 0, variantDataLen)
		if err != nil {
			return nil, err
		}
		cause, err := r.ReadText(variantInfo.Off + variantDataLen)
		if err != nil {
			return nil, err
		}
		outcome := OutcomeFatal
		if shouldRetry {
			outcome = OutcomeRetryable
		}
		return &RegistrationResult{
			Outcome:         outcome,
			ErrorText:       cause,
			RetryAfterNanos: retryAfter,
			ShouldRetry:     shouldRetry,
			QuestionID:      questionID,
		}, nil
	default:
		return nil, tunnelerrors.NewRegistrationError("unknown ConnectionResponse discriminant", nil)
	}
}

func decodeException(r *capnp.Reader, excInfo capnp.StructInfo, questionID uint32) (*RegistrationResult, error) {
	if excInfo.IsNull {
		return nil, tunnelerrors.NewRegistrationError("Exception pointer is null", nil)
	}
	// Exception: 0 data words, 1 pointer (reason text).
	reason, err := r.ReadText(excInfo.Off + 0)
	if err != nil {
		return nil, err
	}
	return &RegistrationResult{
		Outcome:     OutcomeRetryable,
		ErrorText:   reason,
		ShouldRetry: true,
		QuestionID:  questionID,
	}, nil
}
