package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/feed"
	"github.com/Claydropdead/location-monitor-sub001/internal/sharecode"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
)

// Store keeps one location row per user in postgres and publishes a feed
// event after every successful mutation.
type Store struct {
	db    *pgxpool.Pool
	feed  *feed.Feed
	codec *sharecode.Codec
	log   log.Logger
}

func NewStore(db *pgxpool.Pool, f *feed.Feed, codec *sharecode.Codec) *Store {
	o := &Store{}
	o.db = db
	o.feed = f
	o.codec = codec
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

func (st *Store) Upsert(ctx context.Context, rec store.Record) error {
	sqlStmt := `INSERT INTO user_location (user_id,latitude,longitude,accuracy,recorded_at,active,updated_at)
	VALUES ($1,$2,$3,$4,$5,true,now())
	ON CONFLICT (user_id) DO UPDATE
	SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude, accuracy = EXCLUDED.accuracy,
	recorded_at = EXCLUDED.recorded_at, active = true, updated_at = now()
	RETURNING (xmax = 0), updated_at`
	var inserted bool
	var updated_at time.Time
	err := st.db.QueryRow(ctx, sqlStmt, rec.UserID, rec.Latitude, rec.Longitude, rec.Accuracy, rec.RecordedAt).
		Scan(&inserted, &updated_at)
	if err != nil {
		st.log.Error().Err(err).Str("user_id", rec.UserID).Msg("upsert failed")
		return err
	}
	rec.Active = true
	rec.UpdatedAt = updated_at
	kind := feed.KindUpdated
	if inserted {
		kind = feed.KindInserted
	}
	st.feed.Publish(ctx, kind, rec)
	return nil
}

func (st *Store) FetchRecord(ctx context.Context, userID string) (*store.Record, error) {
	sqlStmt := `SELECT latitude,longitude,accuracy,recorded_at,active,updated_at FROM user_location WHERE user_id = $1`
	rec := store.Record{UserID: userID}
	err := st.db.QueryRow(ctx, sqlStmt, userID).
		Scan(&rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.RecordedAt, &rec.Active, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (st *Store) MarkOffline(ctx context.Context, userID string, at time.Time) (bool, error) {
	sqlStmt := `UPDATE user_location SET active = false, recorded_at = $2, updated_at = now()
	WHERE user_id = $1 AND active
	RETURNING latitude,longitude,accuracy,updated_at`
	rec := store.Record{UserID: userID, RecordedAt: at, Active: false}
	err := st.db.QueryRow(ctx, sqlStmt, userID, at).
		Scan(&rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			// already inactive or no row at all
			return false, nil
		}
		st.log.Error().Err(err).Str("user_id", userID).Msg("mark offline failed")
		return false, err
	}
	st.feed.Publish(ctx, feed.KindUpdated, rec)
	return true, nil
}

func (st *Store) Delete(ctx context.Context, userID string) error {
	sqlStmt := `DELETE FROM user_location WHERE user_id = $1
	RETURNING latitude,longitude,accuracy,recorded_at,active`
	rec := store.Record{UserID: userID}
	err := st.db.QueryRow(ctx, sqlStmt, userID).
		Scan(&rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.RecordedAt, &rec.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		st.log.Error().Err(err).Str("user_id", userID).Msg("delete failed")
		return err
	}
	st.feed.Publish(ctx, feed.KindDeleted, rec)
	return nil
}

func (st *Store) FetchActive(ctx context.Context) ([]store.ActiveUser, error) {
	sqlStmt := `SELECT u.id, u.username, u.display_name, u.serial,
	l.latitude, l.longitude, l.accuracy, l.recorded_at, l.active, l.updated_at
	FROM user_location l
	JOIN "user" u ON u.id = l.user_id
	WHERE l.active AND NOT u.suspend_login
	ORDER BY u.username`
	rows, err := st.db.Query(ctx, sqlStmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []store.ActiveUser{}
	for rows.Next() {
		var au store.ActiveUser
		var serial int64
		err = rows.Scan(&au.UserID, &au.Username, &au.DisplayName, &serial,
			&au.Loc.Latitude, &au.Loc.Longitude, &au.Loc.Accuracy, &au.Loc.RecordedAt, &au.Loc.Active, &au.Loc.UpdatedAt)
		if err != nil {
			return nil, err
		}
		au.Loc.UserID = au.UserID
		au.ShareCode = st.codec.Encode(serial)
		users = append(users, au)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return users, nil
}

func (st *Store) FetchIdentity(ctx context.Context, userID string) (*store.Identity, error) {
	sqlStmt := `SELECT id, username, display_name, serial FROM "user" WHERE id = $1`
	ident := store.Identity{}
	var serial int64
	err := st.db.QueryRow(ctx, sqlStmt, userID).
		Scan(&ident.UserID, &ident.Username, &ident.DisplayName, &serial)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ident.ShareCode = st.codec.Encode(serial)
	return &ident, nil
}
