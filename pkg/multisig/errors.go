package multisig

import (
	"errors"
	"fmt"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// Kind classifies why an operation was rejected.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed arguments. Never retried.
	KindValidation
	// KindAuthorization: the caller may not perform the operation.
	KindAuthorization
	// KindStaleness: the action was proposed under an older owner set and
	// must be re-proposed.
	KindStaleness
	// KindConflict: the operation contradicts recorded state.
	KindConflict
	// KindExternalFailure: an instruction failed during execution. The
	// action is unchanged and execute may be retried.
	KindExternalFailure
	// KindNotFound: the identity or action does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindStaleness:
		return "staleness"
	case KindConflict:
		return "conflict"
	case KindExternalFailure:
		return "external_failure"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified engine error. The package's sentinel errors are
// *Error values; compare them with errors.Is.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string {
	return "multisig: " + e.msg
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrEmptyOwners      = newError(KindValidation, "empty_owners", "owner list is empty")
	ErrDuplicateOwner   = newError(KindValidation, "duplicate_owner", "owner listed more than once")
	ErrInvalidThreshold = newError(KindValidation, "invalid_threshold", "threshold must be between 1 and the owner count")
	ErrInvalidBase      = newError(KindValidation, "invalid_base", "identity base is empty")
	ErrInvalidData      = newError(KindValidation, "invalid_data", "malformed instruction data")

	ErrUnauthorized = newError(KindAuthorization, "unauthorized", "operation requires the identity's signing authority")
	ErrNotAnOwner   = newError(KindAuthorization, "not_an_owner", "caller is not an owner of the identity")
	ErrNotProposer  = newError(KindAuthorization, "not_proposer", "only the proposer may close an action")

	ErrStaleOwnerSet = newError(KindStaleness, "stale_owner_set", "owner set changed since the action was proposed")

	ErrAlreadyExists         = newError(KindConflict, "already_exists", "identity already exists")
	ErrAlreadyApproved       = newError(KindConflict, "already_approved", "owner already approved the action")
	ErrAlreadyExecuted       = newError(KindConflict, "already_executed", "action already executed")
	ErrInsufficientApprovals = newError(KindConflict, "insufficient_approvals", "not enough approvals to execute")
	ErrNotExecuted           = newError(KindConflict, "not_executed", "action has not been executed")
	ErrActionLimit           = newError(KindConflict, "action_limit", "identity has used every action index")

	ErrIdentityNotFound = newError(KindNotFound, "identity_not_found", "identity not found")
	ErrActionNotFound   = newError(KindNotFound, "action_not_found", "action not found")
)

// InstructionError reports the instruction that aborted an execution.
type InstructionError struct {
	Index   int
	Program address.Address
	Err     error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("multisig: instruction %d (program %s): %v", e.Index, e.Program.Short(), e.Err)
}

func (e *InstructionError) Unwrap() error { return e.Err }

// KindOf classifies err. Engine errors keep their own kind even when they
// surface through an instruction (a governance instruction with a bad
// threshold is a validation failure); any other instruction failure is
// an external failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ie *InstructionError
	if errors.As(err, &ie) {
		return KindExternalFailure
	}
	return KindUnknown
}

// CodeOf returns the stable code of an engine error, or "" for other errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var ie *InstructionError
	if errors.As(err, &ie) {
		return "instruction_failed"
	}
	return ""
}
