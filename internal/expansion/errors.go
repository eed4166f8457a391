package expansion

import (
	"errors"
	"fmt"
)

// Error is a download failure carrying the state the run ends in.
// Paused states are retryable by re-invoking the engine; failed states are not.
type Error struct {
	State   State
	Message string
	Err     error
}

// NewError creates an Error with the default message for state.
func NewError(state State) *Error {
	return &Error{State: state}
}

// Errorf creates an Error with a formatted message.
func Errorf(state State, format string, args ...any) *Error {
	return &Error{State: state, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error for state that wraps err.
func Wrap(state State, err error, message string) *Error {
	return &Error{State: state, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("Error [%d]", int(e.State))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.State, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.State, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Text returns the message shown to sinks, falling back to the state description.
func (e *Error) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.State.Description()
}

// StateOf extracts the State from err, reporting false if err is not an *Error.
func StateOf(err error) (State, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.State, true
	}
	return 0, false
}
