package users

import "errors"

// Error kinds. Match with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
	ErrForbidden          = errors.New("operation not permitted")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrPersistence        = errors.New("persistence error")
)

// Error carries a user-facing message, its kind, and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func persistenceError(msg string, cause error) *Error {
	return &Error{Kind: ErrPersistence, Msg: msg, Err: cause}
}

var errBadCredentials = newError(ErrInvalidCredentials, "Invalid username or password")

// Message returns the text safe to show to the requester. Persistence causes
// are never exposed.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return "Internal error"
}
