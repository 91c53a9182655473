package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound   = errors.New("remote instance not found")
	ErrValidation = errors.New("remote validation failed")
	ErrTimeout    = errors.New("remote request timed out")
	ErrTransport  = errors.New("remote request failed")
)

// Kind classifies a gateway failure for retry decisions.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Error is a structured failure of one gateway call.
type Error struct {
	Op         string
	RemoteID   string
	StatusCode int
	Kind       Kind
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.RemoteID)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newStatusError(op, remoteID string, status int, detail string) *Error {
	e := &Error{Op: op, RemoteID: remoteID, StatusCode: status, Detail: detail}
	switch {
	case status == http.StatusNotFound:
		e.Kind, e.Err = KindPermanent, ErrNotFound
	case status == http.StatusUnprocessableEntity:
		e.Kind, e.Err = KindPermanent, ErrValidation
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status == http.StatusConflict:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind == KindTransient
	}
	return false
}

// IsNotFound reports whether the remote instance no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// result labels err for metrics.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return string(KindTransient)
	default:
		return string(KindPermanent)
	}
}
