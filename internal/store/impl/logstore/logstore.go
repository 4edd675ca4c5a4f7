// Package logstore is an in-memory LocationStore that logs every mutation.
// It backs development mode, where no postgres is around, and the handler
// tests. Feed events are published exactly like the postgres store does.
package logstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/feed"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
)

type LogStore struct {
	mu    sync.Mutex
	rows  map[string]store.Record
	users map[string]store.Identity
	feed  *feed.Feed
	log   zerolog.Logger
}

func NewStore(f *feed.Feed) *LogStore {
	o := &LogStore{}
	o.rows = make(map[string]store.Record)
	o.users = make(map[string]store.Identity)
	o.feed = f
	o.log = zlog.With().Str("module", "logstore").Logger()
	return o
}

// AddUser registers an identity so it shows up in FetchActive joins.
func (l *LogStore) AddUser(ident store.Identity) {
	l.mu.Lock()
	l.users[ident.UserID] = ident
	l.mu.Unlock()
}

func (l *LogStore) Upsert(ctx context.Context, rec store.Record) error {
	l.mu.Lock()
	_, existed := l.rows[rec.UserID]
	rec.Active = true
	rec.UpdatedAt = time.Now()
	l.rows[rec.UserID] = rec
	l.mu.Unlock()

	l.log.Info().Str("user_id", rec.UserID).Float64("lat", rec.Latitude).Float64("lon", rec.Longitude).
		Float64("accuracy", rec.Accuracy).Bool("new", !existed).Msg("upsert")
	kind := feed.KindUpdated
	if !existed {
		kind = feed.KindInserted
	}
	l.feed.Publish(ctx, kind, rec)
	return nil
}

func (l *LogStore) FetchRecord(ctx context.Context, userID string) (*store.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (l *LogStore) MarkOffline(ctx context.Context, userID string, at time.Time) (bool, error) {
	l.mu.Lock()
	rec, ok := l.rows[userID]
	if !ok || !rec.Active {
		l.mu.Unlock()
		return false, nil
	}
	rec.Active = false
	rec.RecordedAt = at
	rec.UpdatedAt = time.Now()
	l.rows[userID] = rec
	l.mu.Unlock()

	l.log.Info().Str("user_id", userID).Time("at", at).Msg("mark offline")
	l.feed.Publish(ctx, feed.KindUpdated, rec)
	return true, nil
}

func (l *LogStore) Delete(ctx context.Context, userID string) error {
	l.mu.Lock()
	rec, ok := l.rows[userID]
	if ok {
		delete(l.rows, userID)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.log.Info().Str("user_id", userID).Msg("delete")
	l.feed.Publish(ctx, feed.KindDeleted, rec)
	return nil
}

func (l *LogStore) FetchActive(ctx context.Context) ([]store.ActiveUser, error) {
	l.mu.Lock()
	users := []store.ActiveUser{}
	for uid, rec := range l.rows {
		if !rec.Active {
			continue
		}
		ident, ok := l.users[uid]
		if !ok {
			continue
		}
		users = append(users, store.ActiveUser{Identity: ident, Loc: rec})
	}
	l.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (l *LogStore) FetchIdentity(ctx context.Context, userID string) (*store.Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ident, ok := l.users[userID]
	if !ok {
		return nil, nil
	}
	return &ident, nil
}
