package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserCancelled        = errors.New("user cancelled the signature request")
	ErrWalletUnavailable    = errors.New("no wallet available")
	ErrSigningTimeout       = errors.New("signature prompt timed out")
	ErrChainMismatch        = errors.New("wallet is connected to the wrong network")
	ErrSignerMismatch       = errors.New("signer is not the connected wallet account")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrRelayUnreachable     = errors.New("relay unreachable")

	ErrInvalidSignature      = errors.New("invalid signature")
	ErrNonceReplay           = errors.New("nonce already used")
	ErrExpired               = errors.New("signed request expired")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrRateLimited           = errors.New("rate limited")
)

// Reason - Rejection code exchanged with the relay
type Reason string

const (
	ReasonInvalidSignature      Reason = "InvalidSignature"
	ReasonNonceReplay           Reason = "NonceReplay"
	ReasonExpired               Reason = "Expired"
	ReasonInsufficientAllowance Reason = "InsufficientAllowance"
	ReasonRateLimited           Reason = "RateLimited"
	ReasonMissingRequiredField  Reason = "MissingRequiredField"
	ReasonInvalidRequest        Reason = "InvalidRequest"
	ReasonUnknown               Reason = "Unknown"
)

var reasonErrors = map[Reason]error{
	ReasonInvalidSignature:      ErrInvalidSignature,
	ReasonNonceReplay:           ErrNonceReplay,
	ReasonExpired:               ErrExpired,
	ReasonInsufficientAllowance: ErrInsufficientAllowance,
	ReasonRateLimited:           ErrRateLimited,
	ReasonMissingRequiredField:  ErrMissingRequiredField,
	ReasonInvalidRequest:        ErrInvalidRequest,
}

// ParseReason maps a relay error code onto a known Reason.
func ParseReason(code string) Reason {
	r := Reason(code)
	if _, ok := reasonErrors[r]; ok {
		return r
	}
	return ReasonUnknown
}

// ReasonOf finds the Reason for a sentinel in err's chain.
func ReasonOf(err error) Reason {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	for r, sentinel := range reasonErrors {
		if errors.Is(err, sentinel) {
			return r
		}
	}
	return ReasonUnknown
}

// RejectedError - Relay refused the request (4xx)
type RejectedError struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("relay rejected request: %s", e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *RejectedError) Unwrap() error {
	return reasonErrors[e.Reason]
}

// Reject builds a RejectedError for reason.
func Reject(reason Reason, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the user can try again without a balance change.
// RateLimited is retryable only after its cooldown.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrWalletUnavailable),
		errors.Is(err, ErrInsufficientAllowance),
		errors.Is(err, ErrMissingRequiredField),
		errors.Is(err, ErrInvalidRequest):
		return false
	case errors.Is(err, ErrUserCancelled),
		errors.Is(err, ErrSigningTimeout),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrNonceReplay),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrRelayUnreachable):
		return true
	}
	return false
}

// UserMessage is the text shown for a terminal failure. It always states that
// the user spent no gas.
func UserMessage(err error) string {
	var msg string
	switch {
	case errors.Is(err, ErrUserCancelled):
		msg = "Signature request cancelled."
	case errors.Is(err, ErrWalletUnavailable):
		msg = "No wallet detected. Install a wallet extension to continue."
	case errors.Is(err, ErrSigningTimeout):
		msg = "The wallet did not answer in time. Please try again."
	case errors.Is(err, ErrChainMismatch):
		msg = "Switch your wallet to the Polygon network and try again."
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrNonceReplay),
		errors.Is(err, ErrExpired):
		msg = "The request could not be verified. Please try again."
	case errors.Is(err, ErrInsufficientAllowance):
		msg = "Not enough TEO available for this operation."
	case errors.Is(err, ErrRateLimited):
		msg = "Too many operations in a short time."
		var rej *RejectedError
		if errors.As(err, &rej) && rej.RetryAfter > 0 {
			msg += fmt.Sprintf(" Try again in %s.", rej.RetryAfter.Round(time.Minute))
		}
	case errors.Is(err, ErrRelayUnreachable):
		msg = "The relay is unreachable. Your signed request can be resubmitted."
	case errors.Is(err, ErrMissingRequiredField), errors.Is(err, ErrInvalidRequest):
		msg = "The request is incomplete or malformed."
	default:
		msg = "The operation failed."
	}
	return msg + " No gas was spent (" + ZeroGas + ")."
}
