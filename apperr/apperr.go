// Package apperr classifies failures into the small set of kinds the daemon
// reacts to differently: configuration problems, authorization failures,
// missing remote objects, transient network trouble, and persistence errors.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindUnknown is used for errors that were never classified.
	KindUnknown Kind = iota
	// KindConfig means credentials or settings are missing or invalid.
	KindConfig
	// KindAuth means the remote side rejected our credentials.
	KindAuth
	// KindNotFound means a broadcaster or category does not exist remotely.
	KindNotFound
	// KindTransient means a timeout, connection failure or 5xx; retried on the next cycle.
	KindTransient
	// KindPersistence means a local file or database write failed.
	KindPersistence
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config reports a configuration error.
func Config(op, msg string) error { return New(KindConfig, op, errors.New(msg)) }

// Auth wraps an authorization failure.
func Auth(op string, err error) error { return New(KindAuth, op, err) }

// NotFound reports a missing remote object.
func NotFound(op, msg string) error { return New(KindNotFound, op, errors.New(msg)) }

// Transient wraps a failure that is expected to clear up by itself.
func Transient(op string, err error) error { return New(KindTransient, op, err) }

// Persistence wraps a local write failure.
func Persistence(op string, err error) error { return New(KindPersistence, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified network errors are reported as KindTransient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isNetworkError(err) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// FromStatus classifies a non-success HTTP response.
func FromStatus(op string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth(op, err)
	case status == http.StatusNotFound:
		return New(KindNotFound, op, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(op, err)
	case status == http.StatusBadRequest:
		return New(KindConfig, op, err)
	default:
		return New(KindUnknown, op, err)
	}
}

// FromTransport classifies an error returned by an HTTP client Do call.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return New(KindUnknown, op, err)
	}
	return Transient(op, err)
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "no such host", "timeout", "eof"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
