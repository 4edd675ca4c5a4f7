package common

import (
	"context"
	"time"
)

type ApiContextKeyType string

// SessionKey is the context key the dispatcher stores the caller's
// UserSession under.
const SessionKey = ApiContextKeyType("session_attribute")

// roles, ordered reporter < monitor < admin
const (
	RoleReporter = "reporter"
	RoleMonitor  = "monitor"
	RoleAdmin    = "admin"
)

// HasRole reports whether role satisfies the target role of a function.
// admin implies monitor, monitor implies reporter.
func HasRole(role string, target string) bool {
	switch target {
	case RoleReporter:
		return role == RoleReporter || role == RoleMonitor || role == RoleAdmin
	case RoleMonitor:
		return role == RoleMonitor || role == RoleAdmin
	case RoleAdmin:
		return role == RoleAdmin
	default:
		return false
	}
}

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type StringResponse struct {
	Value string `json:"value"`
}

// UserSession is the authenticated caller attached to request contexts by
// the dispatcher and to websocket clients after token validation.
type UserSession struct {
	UserID                string
	Username              string
	Role                  string
	RequireChangePassword bool
	ValidUntil            time.Time
	SessionId             string
}

// SessionFromContext pulls the UserSession the dispatcher stored. Panics
// when called outside a dispatched request, that is a programming error.
func SessionFromContext(ctx context.Context) *UserSession {
	return ctx.Value(SessionKey).(*UserSession)
}
