package mirror_engine

import (
	"context"
	"fmt"

	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
)

// ForwardOutcome classifies what happened when a primary tried to mirror a
// request to its secondary. ForwardSkipped means the secondary was already
// known to need a resync and was left out.
type ForwardOutcome string

const (
	ForwardNone           ForwardOutcome = ""
	ForwardOK             ForwardOutcome = "ok"
	ForwardSkipped        ForwardOutcome = "skipped"
	ForwardSecondaryDown  ForwardOutcome = "secondary_down"
	ForwardFailed         ForwardOutcome = "send_failed"
	ForwardRejected       ForwardOutcome = "rejected"
	ForwardProtocolError  ForwardOutcome = "protocol_error"
	ForwardResultMismatch ForwardOutcome = "result_mismatch"
)

// forward sends the prepared operation to the secondary and decides the
// result reported to the caller. cacheLocal tells the caller to remember the
// local reply for retries instead of the returned result; it is set whenever
// the secondary was marked as needing a resync, because the local change is
// durable and the resync will carry it over.
func (r *mirroredRequest) forward(ctx context.Context, local ResponseState) (res Result, outcome ForwardOutcome, cacheLocal bool) {
	e := r.engine

	st, ok := e.states.Get(r.secondary)
	if !ok || st.Consistency != tss.Good {
		return local.Result(), ForwardSkipped, false
	}
	if st.Reachability != tss.Online {
		r.markNeedsResync(fmt.Sprintf("secondary is %s", st.Reachability))
		return ResultTryAgain, ForwardSecondaryDown, true
	}

	fwd := &MirroredRequest{
		Op:        r.op,
		Forwarded: true,
		ClientID:  r.req.ClientID,
		SeqNo:     r.req.SeqNo,
		SeqNoDone: r.req.SeqNoDone,
	}
	reply, err := r.sendToSecondary(ctx, fwd)
	if err != nil {
		r.markNeedsResync(err.Error())
		if ResultFromError(err) == ResultProtocol {
			return ResultProtocol, ForwardProtocolError, true
		}
		return ResultTryAgain, ForwardFailed, true
	}
	if reply.State != nil && reply.State.Kind() != r.kind {
		r.markNeedsResync(fmt.Sprintf("secondary answered %s to %s", reply.State.Kind(), r.kind))
		return ResultProtocol, ForwardProtocolError, true
	}

	switch reply.Result {
	case local.Result():
		return local.Result(), ForwardOK, false
	case ResultTryAgain, ResultNotInSync, ResultNotOwner, ResultCommunication:
		r.markNeedsResync("secondary rejected request: " + reply.Result.String())
		return ResultTryAgain, ForwardRejected, true
	case ResultProtocol:
		r.markNeedsResync("secondary could not decode request")
		return ResultProtocol, ForwardProtocolError, true
	default:
		e.ls.Error(log_service.LogEvent{
			Message: "Secondary result differs from primary",
			Metadata: map[string]any{
				"kind": r.kind.String(), "secondary": r.secondary,
				"primaryResult": local.Result().String(), "secondaryResult": reply.Result.String(),
			},
		})
		r.markNeedsResync("result mismatch")
		return reply.Result, ForwardResultMismatch, false
	}
}

func (r *mirroredRequest) sendToSecondary(ctx context.Context, req *MirroredRequest) (*Reply, error) {
	e := r.engine

	addr, err := e.resolver.TargetAddress(r.secondary)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve target %d: %v", ErrCommunication, r.secondary, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.forwardTimeout)
	defer cancel()

	resp, err := e.comm.Send(ctx, addr, communication.Message{
		From:    e.comm.Address(),
		Type:    communication.MessageTypeMirrorRequest,
		Payload: EncodeRequest(req),
	})
	if err != nil {
		return nil, err
	}
	switch resp.Code {
	case communication.CodeOK:
	case communication.CodeBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrProtocol, resp.Body)
	default:
		return nil, fmt.Errorf("%w: secondary answered %s: %s", ErrCommunication, resp.Code, resp.Body)
	}
	return DecodeReply(resp.Body)
}

func (r *mirroredRequest) markNeedsResync(reason string) {
	e := r.engine
	changed, err := e.states.MarkNeedsResync(r.secondary)
	if err != nil {
		e.ls.Error(log_service.LogEvent{
			Message:  "Failed to mark secondary as needing resync",
			Metadata: map[string]any{"secondary": r.secondary, "reason": reason, "error": err.Error()},
		})
		return
	}
	if changed {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Secondary marked as needing resync",
			Metadata: map[string]any{"secondary": r.secondary, "group": r.group, "kind": r.kind.String(), "reason": reason},
		})
	}
}

// notifyAck lets the secondary drop cached replies the client has seen. It
// is best effort; the next forwarded request carries the same information.
func (r *mirroredRequest) notifyAck(ctx context.Context) {
	if r.req.SeqNoDone == 0 || !r.engine.states.IsUsable(r.secondary) {
		return
	}
	_, err := r.sendToSecondary(ctx, &MirroredRequest{
		Op:        &AckNotify{},
		Forwarded: true,
		ClientID:  r.req.ClientID,
		SeqNoDone: r.req.SeqNoDone,
	})
	if err != nil {
		r.engine.ls.Debug(log_service.LogEvent{
			Message:  "Failed to notify secondary of acknowledged replies",
			Metadata: map[string]any{"secondary": r.secondary, "client": r.req.ClientID, "error": err.Error()},
		})
	}
}
