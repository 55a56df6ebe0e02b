// Package remote defines the authoritative store the device synchronizes to
// and the error taxonomy sync decisions are based on.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrNotFound is wrapped in an ApplicationError when the directory has no such identity.
var ErrNotFound = errors.New("not found")

// Directory resolves scanned identity numbers to remote identity ids.
type Directory interface {
	Lookup(ctx context.Context, identityNumber string) (string, error)
}

// ArtifactStore stores capture artifacts and returns their public address.
type ArtifactStore interface {
	Upload(ctx context.Context, data []byte, path string) (string, error)
}

// RecordStore inserts attendance records. Insert must be safe to retry with
// the same IdempotencyKey.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) (string, error)
}

// Record is the payload written to the remote record store.
type Record struct {
	IdempotencyKey string
	IdentityID     string
	Session        string
	Date           string
	Time           string
	OccurredAt     time.Time
	ScanType       string
	Status         string
	ArtifactURL    string
	DeviceID       string
}

// TransportError is an availability failure: timeouts, refused connections,
// 5xx responses. These count toward circuit breakers and are retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError is a well-formed rejection from the remote side. Retrying
// does not change the outcome.
type ApplicationError struct {
	Op   string
	Code string
	Err  error
}

func (e *ApplicationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: rejected (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: rejected: %v", e.Op, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// Application wraps err as an ApplicationError.
func Application(op, code string, err error) error {
	if err == nil {
		return nil
	}
	return &ApplicationError{Op: op, Code: code, Err: err}
}

// IsTransport reports whether err is an availability failure. Context
// deadlines and network errors are treated as transport failures even when
// the client did not wrap them.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if IsApplication(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsApplication reports whether err is a remote rejection.
func IsApplication(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae)
}

// ClassifyStatus wraps an HTTP failure according to its status code: 408, 429
// and 5xx are transport failures, other 4xx are application errors.
func ClassifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transport(op, err)
	case status == http.StatusNotFound:
		return Application(op, "not_found", fmt.Errorf("%w: %v", ErrNotFound, err))
	default:
		return Application(op, http.StatusText(status), err)
	}
}
