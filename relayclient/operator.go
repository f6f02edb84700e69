package relayclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"teorelay/protocol"
	"teorelay/signer"
)

// Outcome - Result of running one operation end to end
type Outcome struct {
	Operation   *Operation
	State       State
	Request     *protocol.SignedOperationRequest // kept for resubmission after Unreachable
	Receipt     *protocol.RelayReceipt
	Err         error
	UserGasCost string
}

// Message is the text to show the user.
func (o *Outcome) Message() string {
	if o.Err == nil {
		return "Done. No gas was spent (" + protocol.ZeroGas + ")."
	}
	return protocol.UserMessage(o.Err)
}

// Operator drives pre-flight, signing and submission of user operations.
type Operator struct {
	signer *signer.Client
	relay  *Client
	log    zerolog.Logger
}

func NewOperator(s *signer.Client, relay *Client, log zerolog.Logger) *Operator {
	return &Operator{signer: s, relay: relay, log: log.With().Str("component", "operator").Logger()}
}

// Run checks, signs and submits in. The wallet is not prompted when the
// pre-flight check fails.
func (o *Operator) Run(ctx context.Context, in signer.Intent) *Outcome {
	return o.drive(ctx, NewOperation(), in)
}

// Retry re-runs a Rejected or Unreachable outcome with a fresh nonce and
// signature.
func (o *Operator) Retry(ctx context.Context, prev *Outcome, in signer.Intent) *Outcome {
	if prev == nil || prev.Operation == nil {
		return o.Run(ctx, in)
	}
	if s := prev.Operation.State(); s != Rejected && s != Unreachable {
		return o.fail(prev.Operation, nil, fmt.Errorf("cannot retry from %s", s))
	}
	return o.drive(ctx, prev.Operation, in)
}

// Resubmit sends the already signed request of an Unreachable outcome again.
func (o *Operator) Resubmit(ctx context.Context, prev *Outcome) *Outcome {
	if prev == nil || prev.Operation == nil || prev.Request == nil {
		return &Outcome{Err: fmt.Errorf("nothing to resubmit"), UserGasCost: protocol.ZeroGas}
	}
	if err := prev.Operation.Transition(Submitting); err != nil {
		return o.fail(prev.Operation, prev.Request, err)
	}
	return o.submit(ctx, prev.Operation, prev.Request)
}

func (o *Operator) drive(ctx context.Context, op *Operation, in signer.Intent) *Outcome {
	if !o.relay.cfg.SkipPreflight {
		if err := o.relay.Preflight(ctx, in.Operation, in.Signer, in.Amount); err != nil {
			o.log.Info().Err(err).Str("signer", in.Signer.Hex()).Stringer("op", in.Operation).Msg("pre-flight blocked operation")
			return o.fail(op, nil, err)
		}
	}

	// wallet, chain and field problems surface before any prompt
	req, err := o.signer.Prepare(ctx, in)
	if err != nil {
		o.log.Info().Err(err).Str("signer", in.Signer.Hex()).Stringer("op", in.Operation).Msg("request not signable")
		return o.fail(op, nil, err)
	}

	if err := op.Transition(AwaitingSignature); err != nil {
		return o.fail(op, nil, err)
	}
	req, err = o.signer.Sign(ctx, req)
	if err != nil {
		// the prompt closed without a signature
		_ = op.Transition(Idle)
		return o.fail(op, nil, err)
	}

	if err := op.Transition(Submitting); err != nil {
		return o.fail(op, req, err)
	}
	return o.submit(ctx, op, req)
}

func (o *Operator) submit(ctx context.Context, op *Operation, req *protocol.SignedOperationRequest) *Outcome {
	receipt, err := o.relay.Submit(ctx, req)
	switch {
	case err == nil:
		_ = op.Transition(Success)
		return &Outcome{Operation: op, State: Success, Request: req, Receipt: receipt, UserGasCost: protocol.ZeroGas}
	case errors.Is(err, protocol.ErrRelayUnreachable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// not delivered; the signed request can be sent again
		_ = op.Transition(Unreachable)
	default:
		_ = op.Transition(Rejected)
	}
	return o.fail(op, req, err)
}

func (o *Operator) fail(op *Operation, req *protocol.SignedOperationRequest, err error) *Outcome {
	return &Outcome{Operation: op, State: op.State(), Request: req, Err: err, UserGasCost: protocol.ZeroGas}
}
