package core

import (
	"errors"
	"fmt"
)

// Code is the result-code vocabulary shared by the cache (C1-C3) and the
// HSS connection (C4-C6), per spec §7. Every operation in this tree resolves
// to exactly one Code; DataContention never leaves C3 (C1 and C2 report it
// to C3, whose CAS loops retry it internally and report exhaustion as
// Unknown).
type Code int

const (
	OK Code = iota
	NotFound
	DataContention
	Timeout
	ServerUnavailable
	Forbidden
	NewWildcard
	UnknownAuthScheme
	InvalidRequest
	Unavailable
	Unknown
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case DataContention:
		return "DATA_CONTENTION"
	case Timeout:
		return "TIMEOUT"
	case ServerUnavailable:
		return "SERVER_UNAVAILABLE"
	case Forbidden:
		return "FORBIDDEN"
	case NewWildcard:
		return "NEW_WILDCARD"
	case UnknownAuthScheme:
		return "UNKNOWN_AUTH_SCHEME"
	case InvalidRequest:
		return "INVALID_REQUEST"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors for use with errors.Is(). HssCacheError wraps one of these
// to carry an operation name and optional entity ID.
var (
	ErrNotFound           = errors.New("not found")
	ErrDataContention     = errors.New("cas token stale")
	ErrTimeout            = errors.New("operation timeout")
	ErrServerUnavailable  = errors.New("server unavailable")
	ErrForbidden          = errors.New("forbidden")
	ErrNewWildcard        = errors.New("new wildcard impu assigned")
	ErrUnknownAuthScheme  = errors.New("unknown auth scheme")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnavailable        = errors.New("resource unavailable")
	ErrUnknown            = errors.New("unknown error")
	ErrMaxRetriesExceeded = errors.New("maximum cas retries exceeded")
	ErrInvalidConfig      = errors.New("invalid configuration")

	// ErrContextCanceled marks a caller giving up before an operation
	// completed; resilience.DefaultErrorClassifier excludes it from circuit
	// breaker failure counting since it is not an infrastructure failure.
	ErrContextCanceled = errors.New("context canceled")

	// ErrCircuitBreakerOpen is returned by resilience.CircuitBreaker.Execute
	// when the breaker is open and rejecting calls.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrConnectionFailed marks a transport-level failure to reach a KV
	// store replica or provisioning-store host.
	ErrConnectionFailed = errors.New("connection failed")
)

// codeToErr/errToCode let callers move between the two representations used
// in this tree: Code for fast switch dispatch, error for errors.Is chains.
var codeToErr = map[Code]error{
	OK:                nil,
	NotFound:          ErrNotFound,
	DataContention:    ErrDataContention,
	Timeout:           ErrTimeout,
	ServerUnavailable: ErrServerUnavailable,
	Forbidden:         ErrForbidden,
	NewWildcard:       ErrNewWildcard,
	UnknownAuthScheme: ErrUnknownAuthScheme,
	InvalidRequest:    ErrInvalidRequest,
	Unavailable:       ErrUnavailable,
	Unknown:           ErrUnknown,
}

// Err returns the sentinel error for a Code, or nil for OK.
func (c Code) Err() error {
	return codeToErr[c]
}

// HssCacheError provides structured error context, modeled on the teacher
// framework's FrameworkError: an operation name, a result Code, an optional
// entity ID, and a wrapped cause.
type HssCacheError struct {
	Op   string // e.g. "irscache.Put", "hssconn.SendMultimediaAuth"
	Code Code
	ID   string // IMPU/IMPI/session-id involved, if any
	Err  error
}

func (e *HssCacheError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.ID, e.message())
	}
	return fmt.Sprintf("%s: %s", e.Op, e.message())
}

func (e *HssCacheError) message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code.String()
}

func (e *HssCacheError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Code.Err()
}

// NewError builds a HssCacheError for the given operation/code/id.
func NewError(op string, code Code, id string, err error) *HssCacheError {
	return &HssCacheError{Op: op, Code: code, ID: id, Err: err}
}

// IsRetryable reports whether a caller may usefully retry the operation that
// produced err (spec §7: TIMEOUT and SERVER_UNAVAILABLE are retryable).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrServerUnavailable)
}

// IsNotFound reports whether err represents a normal lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfigurationError reports whether err stems from caller-supplied input
// rather than an infrastructure failure (maps to InvalidRequest).
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidConfig)
}

// IsStateError reports whether err reflects an invariant/state-machine
// violation (e.g. an IRS handle used out of sequence) rather than a
// transient infrastructure failure.
func IsStateError(err error) bool {
	return errors.Is(err, ErrDataContention) || errors.Is(err, ErrForbidden)
}

// CodeOf extracts the Code carried by err, defaulting to Unknown for errors
// that did not originate in this tree (e.g. a raw network error).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var hce *HssCacheError
	if errors.As(err, &hce) {
		return hce.Code
	}
	for code, sentinel := range codeToErr {
		if sentinel != nil && errors.Is(err, sentinel) {
			return code
		}
	}
	return Unknown
}
