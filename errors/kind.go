package errors

import (
	"errors"
	"fmt"
)

// Kind names a transport or protocol failure. The string form is what travels
// in the `error` attribute of a reply header.
type Kind string

// Error kinds understood by every Karabo peer.
const (
	TransportDown    Kind = "transport-down"
	TransportOverrun Kind = "transport-overrun"
	Format           Kind = "format"
	TooLarge         Kind = "too-large"
	Conversion       Kind = "conversion"
	TypeMismatch     Kind = "type-mismatch"
	ArityError       Kind = "arity-error"
	StateViolation   Kind = "state-violation"
	IDInUse          Kind = "id-in-use"
	ClassUnknown     Kind = "class-unknown"
	Timeout          Kind = "timeout"
	TargetGone       Kind = "target-gone"
	Cancelled        Kind = "cancelled"
	Backpressure     Kind = "backpressure"
	RemoteError      Kind = "remote-error"
	SignalDrop       Kind = "signal-drop"
	SchemaInvalid    Kind = "schema-invalid"
	SlotUnknown      Kind = "slot-unknown"
)

var kindClasses = map[Kind]ErrorClass{
	TransportDown:    ErrorTransient,
	TransportOverrun: ErrorTransient,
	Timeout:          ErrorTransient,
	Backpressure:     ErrorTransient,
	Format:           ErrorInvalid,
	TooLarge:         ErrorInvalid,
	Conversion:       ErrorInvalid,
	TypeMismatch:     ErrorInvalid,
	ArityError:       ErrorInvalid,
	StateViolation:   ErrorInvalid,
	IDInUse:          ErrorInvalid,
	ClassUnknown:     ErrorInvalid,
	SchemaInvalid:    ErrorInvalid,
	SlotUnknown:      ErrorInvalid,
	TargetGone:       ErrorFatal,
	Cancelled:        ErrorFatal,
	RemoteError:      ErrorFatal,
	SignalDrop:       ErrorFatal,
}

// Class returns how callers should treat errors of this kind.
func (k Kind) Class() ErrorClass {
	if c, ok := kindClasses[k]; ok {
		return c
	}
	return ErrorFatal
}

// Known reports whether k is one of the predefined kinds.
func (k Kind) Known() bool {
	_, ok := kindClasses[k]
	return ok
}

// Error makes a bare Kind usable as a sentinel: errors.Is(err, errors.Timeout).
func (k Kind) Error() string {
	return string(k)
}

// KindError is an error of a given Kind with human readable details.
type KindError struct {
	Kind    Kind
	Details string
	Err     error
}

// New creates a KindError.
func New(kind Kind, details string) *KindError {
	return &KindError{Kind: kind, Details: details}
}

// Newf creates a KindError with formatted details.
func Newf(kind Kind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

// WithKind attaches kind to an underlying cause.
func WithKind(kind Kind, err error, details string) *KindError {
	return &KindError{Kind: kind, Details: details, Err: err}
}

func (e *KindError) Error() string {
	switch {
	case e.Details != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Details, e.Err)
	case e.Details != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Details)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// Is matches both another *KindError of the same kind and a bare Kind.
func (e *KindError) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *KindError:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind of err. Errors without a kind map to RemoteError
// since that is how they surface on the wire.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return RemoteError
}

// Details returns the details string of a KindError, or err.Error() otherwise.
func Details(err error) string {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		if ke.Details != "" {
			return ke.Details
		}
		if ke.Err != nil {
			return ke.Err.Error()
		}
		return ""
	}
	return err.Error()
}

// Is is errors.Is re-exported so callers need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As re-exported.
func As(err error, target any) bool { return errors.As(err, target) }
