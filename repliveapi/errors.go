package repliveapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotReady is returned by TokenStore.Get before the first successful
// refresh-token exchange. Authorized calls cannot proceed until then.
var ErrNotReady = errors.New("replive: no access token yet (refresh has not succeeded)")

// ErrorKind classifies API failures so callers can decide between retrying,
// refreshing credentials, or giving up.
type ErrorKind int

const (
	// KindTransient covers network timeouts, connection errors and 5xx
	// responses. Retried with bounded backoff; never fatal on its own.
	KindTransient ErrorKind = iota
	// KindUnauthorized means the access token was rejected. The caller should
	// refresh out of band and retry once.
	KindUnauthorized
	// KindAuthFailure means the refresh-token exchange itself was rejected.
	// The long-lived credential is presumed dead; operator intervention required.
	KindAuthFailure
	// KindNotLive means playback resolution raced a stream ending. Logged,
	// no recording started, not an error state for the channel.
	KindNotLive
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindAuthFailure:
		return "auth_failure"
	case KindNotLive:
		return "not_live"
	default:
		return "unknown"
	}
}

// APIError is a classified failure from the Replive API.
type APIError struct {
	Kind   ErrorKind
	Op     string // RPC path or short operation name
	Status int    // HTTP status when applicable, 0 otherwise
	Err    error  // underlying cause, may be nil
	Msg    string
}

func (e *APIError) Error() string {
	s := fmt.Sprintf("replive %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *APIError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff. Unknown
// errors default to transient so the caller doesn't give up too early;
// network failures often surface as opaque transport errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind == KindTransient
	}
	return true
}

// IsUnauthorized reports whether the access token was rejected.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindUnauthorized
}

// IsAuthFailure reports whether the refresh-token exchange was rejected (fatal).
func IsAuthFailure(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindAuthFailure
}

// IsNotLive reports whether playback resolution found the stream already ended.
func IsNotLive(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindNotLive
}

// classifyStatus maps an HTTP response status to an error kind.
// 401/403 become Unauthorized; the refresh endpoint promotes those to
// AuthFailure itself since it carries the long-lived credential.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindTransient
	}
}
