package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Named error kinds for the task/job error taxonomy. Callers switch on Code,
// never on Err's concrete type.
const (
	CodeInvalidInput      = "invalid_input"
	CodeConflict          = "conflict"
	CodeNotFound          = "not_found"
	CodeWrongStage        = "wrong_stage"
	CodeStaleApproval     = "stale_approval"
	CodeNotFailed         = "not_failed"
	CodeDeadlineExceeded  = "deadline_exceeded"
	CodeTransientBackend  = "transient_backend"
	CodeFatalBackend      = "fatal_backend"
)

func InvalidInput(err error) *Error     { return New(http.StatusBadRequest, CodeInvalidInput, err) }
func Conflict(err error) *Error         { return New(http.StatusConflict, CodeConflict, err) }
func NotFound(err error) *Error         { return New(http.StatusNotFound, CodeNotFound, err) }
func WrongStage(err error) *Error       { return New(http.StatusConflict, CodeWrongStage, err) }
func StaleApproval(err error) *Error    { return New(http.StatusConflict, CodeStaleApproval, err) }
func NotFailed(err error) *Error        { return New(http.StatusConflict, CodeNotFailed, err) }
func DeadlineExceeded(err error) *Error {
	return New(http.StatusRequestTimeout, CodeDeadlineExceeded, err)
}
func TransientBackend(err error) *Error {
	return New(http.StatusServiceUnavailable, CodeTransientBackend, err)
}
func FatalBackend(err error) *Error {
	return New(http.StatusInternalServerError, CodeFatalBackend, err)
}

// Is reports whether err carries the given apierr code.
func Is(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}
