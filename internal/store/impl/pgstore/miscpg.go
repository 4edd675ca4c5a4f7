package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
)

// PgMiscStore holds the side tables that are written fire and forget,
// nothing in the request path depends on these succeeding.
type PgMiscStore struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewMiscStore(db *pgxpool.Pool) *PgMiscStore {
	m := PgMiscStore{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "misc_store").Value()
	return &m
}

// SaveEvent records an administrative location event such as a forced
// offline or a roster removal. detail lands in a jsonb column.
func (st *PgMiscStore) SaveEvent(userID string, event string, detail interface{}, t time.Time) {
	_, err := st.db.Exec(context.Background(),
		`INSERT INTO location_event (user_id,event,detail,created_at) VALUES ($1,$2,$3,$4)`,
		userID, event, detail, t)
	if err != nil {
		st.log.Error().Err(err).Str("event", event).Msg("error saving location event")
	}
}

// TouchLastSeen stamps the user's last reporting activity.
func (st *PgMiscStore) TouchLastSeen(userID string, t time.Time) {
	_, err := st.db.Exec(context.Background(),
		`UPDATE "user" SET last_seen = $2 WHERE id = $1`, userID, t)
	if err != nil {
		st.log.Error().Err(err).Msg("error updating last_seen")
	}
}
