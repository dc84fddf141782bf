package clienterrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	ErrorTransport          ClientErrorCode = 1
	ErrorLogin              ClientErrorCode = 2
	ErrorSession            ClientErrorCode = 3
	ErrorConfiguration      ClientErrorCode = 4
	ErrorBuildAlreadyExists ClientErrorCode = 5
	ErrorUpdateSubmission   ClientErrorCode = 6
	ErrorDeserialization    ClientErrorCode = 7
	ErrorCancelled          ClientErrorCode = 8
)

type ClientErrorCode int

func (c ClientErrorCode) String() string {
	switch c {
	case ErrorTransport:
		return "transport"
	case ErrorLogin:
		return "login"
	case ErrorSession:
		return "session"
	case ErrorConfiguration:
		return "configuration"
	case ErrorBuildAlreadyExists:
		return "build-already-exists"
	case ErrorUpdateSubmission:
		return "update-submission"
	case ErrorDeserialization:
		return "deserialization"
	case ErrorCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrTransport          = &Error{ID: ErrorTransport}
	ErrLogin              = &Error{ID: ErrorLogin}
	ErrSession            = &Error{ID: ErrorSession}
	ErrConfiguration      = &Error{ID: ErrorConfiguration}
	ErrBuildAlreadyExists = &Error{ID: ErrorBuildAlreadyExists}
	ErrUpdateSubmission   = &Error{ID: ErrorUpdateSubmission}
	ErrDeserialization    = &Error{ID: ErrorDeserialization}
	ErrCancelled          = &Error{ID: ErrorCancelled}
)

// Error is the common error type of the client. Op and URL say where it
// happened, StatusCode and Reason carry the server's answer when there was one.
type Error struct {
	ID         ClientErrorCode `json:"id"`
	Op         string          `json:"op,omitempty"`
	URL        string          `json:"url,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Reason     string          `json:"reason"`
	Err        error           `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error", e.ID)
	if e.Op != "" {
		fmt.Fprintf(&b, " in %s", e.Op)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " (%s)", e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.ID == e.ID && t.Op == "" && t.URL == "" && t.StatusCode == 0 && t.Reason == "" && t.Err == nil
}

func (e *Error) String() string {
	return fmt.Sprintf("Code: %d, Reason: %s, Details: %v", e.ID, e.Reason, e.Err)
}

func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	var details interface{}
	if e.Err != nil {
		details = e.Err.Error()
	}
	return json.Marshal(struct {
		*alias
		Details interface{} `json:"details"`
	}{(*alias)(e), details})
}

func Transport(op, url string, err error) *Error {
	return &Error{ID: ErrorTransport, Op: op, URL: url, Err: err}
}

func TransportStatus(op, url string, status int, reason string) *Error {
	return &Error{ID: ErrorTransport, Op: op, URL: url, StatusCode: status, Reason: reason}
}

func Login(op, url string, status int, reason string, err error) *Error {
	return &Error{ID: ErrorLogin, Op: op, URL: url, StatusCode: status, Reason: reason, Err: err}
}

func Session(op, url string, status int, reason string, err error) *Error {
	return &Error{ID: ErrorSession, Op: op, URL: url, StatusCode: status, Reason: reason, Err: err}
}

func Configuration(op, reason string) *Error {
	return &Error{ID: ErrorConfiguration, Op: op, Reason: reason}
}

func UpdateSubmission(op, url string, status int, reason string) *Error {
	return &Error{ID: ErrorUpdateSubmission, Op: op, URL: url, StatusCode: status, Reason: reason}
}

func Deserialization(op, url, reason string, err error) *Error {
	return &Error{ID: ErrorDeserialization, Op: op, URL: url, Reason: reason, Err: err}
}

func Cancelled(op string, err error) *Error {
	return &Error{ID: ErrorCancelled, Op: op, Err: err}
}

// BuildExistsError is returned when the hub already has a build for the
// requested NVR. TaskID is the task that produced (or is producing) it.
type BuildExistsError struct {
	TaskID  int
	BuildID int
	NVR     string
	State   string
}

func (e *BuildExistsError) Error() string {
	if e.NVR != "" {
		return fmt.Sprintf("build %s already exists (build %d, task %d, state %s)", e.NVR, e.BuildID, e.TaskID, e.State)
	}
	return fmt.Sprintf("build already exists (build %d, task %d, state %s)", e.BuildID, e.TaskID, e.State)
}

func (e *BuildExistsError) Is(target error) bool {
	return target == ErrBuildAlreadyExists
}

// StatusCode returns the server status carried by err, or 0.
func StatusCode(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// IsForbidden is true for errors caused by a missing or rejected login.
func IsForbidden(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsBadRequest is true when the server rejected the payload itself.
func IsBadRequest(err error) bool {
	return StatusCode(err) == http.StatusBadRequest
}
