package services

import "errors"

// Kind classifies a service failure for transport-level mapping.
type Kind string

const (
	KindInvalid     Kind = "invalid"     // missing/malformed required field; rejected before persistence
	KindNotFound    Kind = "not_found"   // unknown participant identifier
	KindConflict    Kind = "conflict"    // attempt to overwrite a set-once field
	KindUpstream    Kind = "upstream"    // completion service failed or timed out
	KindPersistence Kind = "persistence" // durable store unavailable or write failed
)

// Error is the service-level error carrying its taxonomy kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewInvalidError(msg string) *Error  { return &Error{Kind: KindInvalid, Msg: msg} }
func NewNotFoundError(msg string) *Error { return &Error{Kind: KindNotFound, Msg: msg} }
func NewConflictError(msg string) *Error { return &Error{Kind: KindConflict, Msg: msg} }

func NewUpstreamError(msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Msg: msg, Err: err}
}

func NewPersistenceError(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Msg: msg, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
