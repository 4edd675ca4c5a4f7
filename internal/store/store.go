package store

import (
	"context"
	"time"
)

// Record is the single persisted location row of one user.
type Record struct {
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	RecordedAt time.Time `json:"recorded_at"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Identity is the user detail attached to roster entries.
type Identity struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	ShareCode   string `json:"share_code"`
}

type ActiveUser struct {
	Identity
	Loc Record `json:"location"`
}

// LocationStore persists one location row per user and answers the reads
// the roster controller needs. Implementations emit a change event for
// every successful mutation.
type LocationStore interface {
	// Upsert writes rec as the user's current location, marking it active.
	Upsert(ctx context.Context, rec Record) error
	// FetchRecord returns the user's current row, nil if none exists.
	FetchRecord(ctx context.Context, userID string) (*Record, error)
	// MarkOffline flips the row inactive, stamping it with at. Reports
	// whether a row was actually flipped.
	MarkOffline(ctx context.Context, userID string, at time.Time) (bool, error)
	// Delete removes the row entirely. Deleting an absent row is not an
	// error.
	Delete(ctx context.Context, userID string) error
	// FetchActive returns every active, non suspended user with identity
	// and current location.
	FetchActive(ctx context.Context) ([]ActiveUser, error)
	// FetchIdentity resolves a user id, nil if the user does not exist.
	FetchIdentity(ctx context.Context, userID string) (*Identity, error)
}
