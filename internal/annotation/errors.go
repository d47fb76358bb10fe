package annotation

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindNotFound   ErrorKind = "not_found"
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
)

var (
	ErrNetwork    = errors.New("remote store unreachable")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid annotation")
	ErrConflict   = errors.New("conflict")
)

// Error carries the failing operation and its kind. Details is attached to
// conflicts that need the caller's attention, such as a deletion impact.
type Error struct {
	Kind    ErrorKind
	Op      string
	Err     error
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return false
}

func NetworkError(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func NotFoundError(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: errors.New(message)}
}

func ValidationError(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.New(message)}
}

func ConflictError(op, message string, details any) error {
	return &Error{Kind: KindConflict, Op: op, Err: errors.New(message), Details: details}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind, true
	}
	return "", false
}
