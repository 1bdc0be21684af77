package mirror_engine

import (
	"fmt"
)

// MirroredRequest is one client request, or its forwarded copy on the way
// from a primary to its secondary.
type MirroredRequest struct {
	Op Operation

	// Forwarded is set by the primary. A target receiving a forwarded
	// request executes it in the secondary role.
	Forwarded bool

	// ClientID and SeqNo identify a retryable request; SeqNo zero disables
	// deduplication. SeqNoDone is the highest sequence number whose reply
	// the client has seen.
	ClientID  string
	SeqNo     uint64
	SeqNoDone uint64
}

const (
	reqFieldForwarded = 1
	reqFieldClientID  = 2
	reqFieldSeqNo     = 3
	reqFieldSeqNoDone = 4
	reqFieldOp        = 5
)

func EncodeRequest(req *MirroredRequest) []byte {
	op := &fieldEncoder{}
	req.Op.encodeFields(op)

	e := &fieldEncoder{b: appendHeader(nil, req.Op.Kind(), requestVersion)}
	e.flag(reqFieldForwarded, req.Forwarded)
	e.str(reqFieldClientID, req.ClientID)
	e.uvarint(reqFieldSeqNo, req.SeqNo)
	e.uvarint(reqFieldSeqNoDone, req.SeqNoDone)
	e.bytes(reqFieldOp, op.b)
	return e.b
}

func DecodeRequest(b []byte) (*MirroredRequest, error) {
	kind, body, err := readHeader(b, requestVersion)
	if err != nil {
		return nil, err
	}
	op, err := newOperation(kind)
	if err != nil {
		return nil, err
	}

	f, err := parseFields(body)
	if err != nil {
		return nil, err
	}
	req := &MirroredRequest{
		Op:        op,
		Forwarded: f.flag(reqFieldForwarded),
		ClientID:  f.str(reqFieldClientID),
		SeqNo:     f.uvarint(reqFieldSeqNo),
		SeqNoDone: f.uvarint(reqFieldSeqNoDone),
	}
	opBytes := f.bytes(reqFieldOp)
	if f.err != nil {
		return nil, f.err
	}

	of, err := parseFields(opBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	op.decodeFields(of)
	if of.err != nil {
		return nil, fmt.Errorf("%s: %w", kind, of.err)
	}
	return req, nil
}

// Reply is what a target answers to a mirrored request. Result is the
// outcome reported to the caller; State is the local response state and may
// be absent when the request was rejected before execution.
type Reply struct {
	Result Result
	State  ResponseState
}

const (
	replyFieldResult = 1
	replyFieldState  = 2
)

func EncodeReply(r *Reply) []byte {
	e := &fieldEncoder{}
	e.presentUvarint(replyFieldResult, uint64(r.Result))
	if r.State != nil {
		e.bytes(replyFieldState, EncodeResponseState(r.State))
	}
	return e.b
}

func DecodeReply(b []byte) (*Reply, error) {
	f, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	if !f.has(replyFieldResult) {
		return nil, fmt.Errorf("%w: reply has no result", ErrMalformedField)
	}
	r := &Reply{Result: Result(f.uvarint(replyFieldResult))}
	stateBytes := f.bytes(replyFieldState)
	if f.err != nil {
		return nil, f.err
	}
	if !r.Result.valid() {
		return nil, fmt.Errorf("%w: unknown result %d", ErrMalformedField, uint16(r.Result))
	}
	if stateBytes != nil {
		if r.State, err = DecodeResponseState(stateBytes); err != nil {
			return nil, err
		}
	}
	return r, nil
}
