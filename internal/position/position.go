package position

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Fix is a single position reading from a positioning backend.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Time      time.Time `json:"time"`
}

// Options control a single acquisition or a watch session.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// Result is one element of a watch stream, either a fix or an error.
type Result struct {
	Fix Fix
	Err error
}

// Provider is a positioning backend such as a local gpsd style daemon.
// Watch returns a channel of results and a stop function, the channel is
// closed when the session ends.
type Provider interface {
	Request(ctx context.Context, opts Options) (Fix, error)
	Watch(ctx context.Context, opts Options) (<-chan Result, func())
	Permission(ctx context.Context) (string, error)
}

type ErrorKind int

const (
	KindPermissionDenied ErrorKind = iota + 1
	KindPositionUnavailable
	KindTimeout
	KindServiceUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindPositionUnavailable:
		return "position_unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "service_unavailable"
	}
}

type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Msg)
}

// FromCode maps a numeric provider error code to an Error. Codes follow the
// usual geolocation convention, 1 permission denied, 2 position unavailable,
// 3 timeout. Anything else, including the empty payload case, is treated as
// the positioning service being unavailable.
func FromCode(code int, msg string) *Error {
	switch code {
	case 1:
		return &Error{Kind: KindPermissionDenied, Msg: msg}
	case 2:
		return &Error{Kind: KindPositionUnavailable, Msg: msg}
	case 3:
		return &Error{Kind: KindTimeout, Msg: msg}
	default:
		return &Error{Kind: KindServiceUnavailable, Msg: msg}
	}
}

// KindOf classifies err, unknown errors count as service unavailable.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindServiceUnavailable
}
