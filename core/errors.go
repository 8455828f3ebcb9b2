package core

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrValidation is returned for malformed input.
	ErrValidation = Register(1, "ValidationError", "invalid input")

	// ErrAuthority is returned when an account or its authority cannot be resolved.
	ErrAuthority = Register(2, "AuthorityError", "authority unresolvable")

	// ErrNotAuthorized is returned when an account is not part of the authority set.
	ErrNotAuthorized = Register(3, "NotAuthorizedError", "not authorized")

	// ErrProof is returned when an authorization proof is invalid, expired or
	// bound to another challenge.
	ErrProof = Register(4, "ProofError", "invalid authorization proof")

	ErrAlreadySigned = Register(5, "AlreadySignedError", "already signed")

	// ErrNotFound covers unknown, expired and already finalized proposals.
	ErrNotFound = Register(6, "NotFoundError", "proposal not found")

	// ErrConflict is an optimistic version mismatch. The engine retries it and
	// never hands it to callers.
	ErrConflict = Register(7, "ConflictError", "version conflict")

	// ErrBroadcast is the kind of every BroadcastError.
	ErrBroadcast = Register(8, "BroadcastError", "broadcast failed")

	ErrStorage = Register(9, "StorageError", "storage failure")

	// ErrFinalizing is returned for proposals whose finalization is in flight
	// or awaiting reconciliation.
	ErrFinalizing = Register(10, "FinalizationPendingError", "finalization pending")
)

var usedCodes = map[uint32]*Kind{}

// Kind is a root error category. Every error produced by the engine wraps
// exactly one kind, so callers can branch on it with errors.Is or KindOf.
type Kind struct {
	code uint32
	name string
	desc string
}

// Register declares a new kind. Reusing a code panics, so call it only from
// package level variable declarations.
func Register(code uint32, name, description string) *Kind {
	if k, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error kind %d is already registered as %q", code, k.name))
	}
	k := &Kind{code: code, name: name, desc: description}
	usedCodes[code] = k
	return k
}

func (k *Kind) Error() string {
	return k.desc
}

func (k *Kind) Code() uint32 {
	return k.code
}

// Name is the stable identifier used at the boundary, e.g. "NotFoundError".
func (k *Kind) Name() string {
	return k.name
}

func (k *Kind) New(description string) error {
	return &Error{kind: k, msg: description, stack: errors.New(description)}
}

func (k *Kind) Newf(format string, args ...any) error {
	return k.New(fmt.Sprintf(format, args...))
}

// Wrap attaches the kind to err. A nil err stays nil.
func (k *Kind) Wrap(err error, description string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: k, msg: description, cause: err, stack: errors.WithStack(err)}
}

func (k *Kind) Wrapf(err error, format string, args ...any) error {
	return k.Wrap(err, fmt.Sprintf(format, args...))
}

// Is reports whether err carries this kind.
func (k *Kind) Is(err error) bool {
	return KindOf(err) == k
}

type Error struct {
	kind  *Kind
	msg   string
	cause error
	// keeps the stack of the innermost frame for %+v logging
	stack error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.kind.desc, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind.desc, e.msg)
}

func (e *Error) Kind() *Kind {
	return e.kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	return target == e.kind
}

func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\n%+v", e.Error(), e.stack)
		return
	}
	fmt.Fprint(s, e.Error())
}

type BroadcastOutcome uint8

const (
	// Rejected means the ledger refused the operation. Nothing was executed.
	Rejected BroadcastOutcome = iota + 1
	// Indeterminate means the operation may or may not have been executed.
	Indeterminate
)

func (o BroadcastOutcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

type BroadcastError struct {
	Outcome BroadcastOutcome
	cause   error
}

func NewBroadcastError(outcome BroadcastOutcome, cause error) *BroadcastError {
	return &BroadcastError{Outcome: outcome, cause: errors.WithStack(cause)}
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("%s (%s): %s", ErrBroadcast.desc, e.Outcome, errors.Cause(e.cause))
}

func (e *BroadcastError) Kind() *Kind {
	return ErrBroadcast
}

func (e *BroadcastError) Unwrap() error {
	return e.cause
}

func (e *BroadcastError) Is(target error) bool {
	return target == ErrBroadcast
}

// IsIndeterminate reports whether err is a broadcast with unknown outcome.
func IsIndeterminate(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be) && be.Outcome == Indeterminate
}

// KindOf returns the outermost kind found in the chain of err, or nil when
// err was not produced through a kind.
func KindOf(err error) *Kind {
	for err != nil {
		switch e := err.(type) {
		case *Kind:
			return e
		case interface{ Kind() *Kind }:
			return e.Kind()
		}
		err = errors.Unwrap(err)
	}
	return nil
}
