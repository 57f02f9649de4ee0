package settlement

import (
	"errors"
	"fmt"
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation     Kind = "validation"     // fix the request and retry
	KindUnauthorized   Kind = "unauthorized"   // bad machine signature
	KindForbidden      Kind = "forbidden"      // caller may not perform the operation
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"       // state already exists
	KindProof          Kind = "proof"          // job rejected, terminal
	KindLimit          Kind = "limit"          // retry later, job still started
	KindInfrastructure Kind = "infrastructure" // retry with backoff, job still started
	KindFatal          Kind = "fatal"          // operator intervention required
)

// Error is a settlement failure with a machine-readable code.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.Err = cause
	return &out
}

// Withf returns a copy of e with a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	out := *e
	out.Msg = fmt.Sprintf(format, args...)
	return &out
}

var (
	ErrInvalidRequest       = &Error{Code: "invalid_request", Kind: KindValidation, Msg: "invalid request"}
	ErrInvalidComplexity    = &Error{Code: "invalid_complexity", Kind: KindValidation, Msg: "complexity must be between 0.5 and 2.0"}
	ErrInvalidPublicKey     = &Error{Code: "invalid_public_key", Kind: KindValidation, Msg: "public key is not a base58 ed25519 key"}
	ErrDuplicateJob         = &Error{Code: "duplicate_job", Kind: KindConflict, Msg: "job hash already exists"}
	ErrDuplicateMachine     = &Error{Code: "duplicate_machine", Kind: KindConflict, Msg: "machine id registered with a different key"}
	ErrJobNotFound          = &Error{Code: "job_not_found", Kind: KindNotFound, Msg: "job not found"}
	ErrMachineNotRegistered = &Error{Code: "machine_not_registered", Kind: KindNotFound, Msg: "machine not registered"}
	ErrAlreadyCompleted     = &Error{Code: "already_completed", Kind: KindConflict, Msg: "job already completed"}
	ErrInvalidState         = &Error{Code: "invalid_state", Kind: KindConflict, Msg: "job is not in started state"}
	ErrMachineMismatch      = &Error{Code: "machine_mismatch", Kind: KindValidation, Msg: "job belongs to a different machine"}
	ErrInvalidSignature     = &Error{Code: "invalid_signature", Kind: KindUnauthorized, Msg: "completion proof signature is invalid"}
	ErrStaleProof           = &Error{Code: "stale_proof", Kind: KindProof, Msg: "completion proof timestamp outside freshness window"}
	ErrDurationTooShort     = &Error{Code: "duration_too_short", Kind: KindProof, Msg: "job duration below minimum"}
	ErrDailyLimitExceeded   = &Error{Code: "daily_limit_exceeded", Kind: KindLimit, Msg: "machine daily payout cap reached"}
	ErrTransferFailed       = &Error{Code: "transfer_failed", Kind: KindInfrastructure, Msg: "settlement transfer failed"}
	ErrStorage              = &Error{Code: "storage_unavailable", Kind: KindInfrastructure, Msg: "storage unavailable"}
	ErrTreasuryExhausted    = &Error{Code: "treasury_exhausted", Kind: KindFatal, Msg: "treasury exhausted and minting disabled"}
	ErrUnauthorizedScorer   = &Error{Code: "unauthorized_scorer", Kind: KindForbidden, Msg: "caller is not the authorized scorer"}
)

// KindOf returns the Kind of err, or KindInfrastructure for errors that do
// not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// storageErr marks a plain store failure as infrastructure unless it is
// already a settlement error.
func storageErr(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return ErrStorage.Wrap(err)
}
