// Package location holds the dispatcher functions behind /func/{name}
// that deal with position reports and the live roster.
package location

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/gate"
	"github.com/Claydropdead/location-monitor-sub001/internal/ingest"
	"github.com/Claydropdead/location-monitor-sub001/internal/roster"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
	"github.com/Claydropdead/location-monitor-sub001/internal/store/impl/pgstore"
	"github.com/Claydropdead/location-monitor-sub001/internal/util"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/common"
)

type LocationApi struct {
	db     *pgxpool.Pool
	ing    *ingest.Ingestor
	roster *roster.Controller
	store  store.LocationStore
	misc   *pgstore.PgMiscStore
	log    log.Logger
}

func NewLocationApi(db *pgxpool.Pool, ing *ingest.Ingestor, ro *roster.Controller, st store.LocationStore, misc *pgstore.PgMiscStore) *LocationApi {
	l := &LocationApi{}
	l.db = db
	l.ing = ing
	l.roster = ro
	l.store = st
	l.misc = misc
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "location-api").Value()
	return l
}

type ReportLocationRequest struct {
	Latitude   float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	RecordedAt time.Time `json:"recorded_at"`
	Force      bool      `json:"force"`
}

type ReportLocationResponse struct {
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ReportLocation runs one sample through the update gate and persists it
// when accepted. Status 0 means persisted, 1 means gated away with the
// reason, -1 means the store failed. A store failure is not an HTTP error,
// the reporter keeps tracking regardless.
func (l *LocationApi) ReportLocation(ctx context.Context, req *ReportLocationRequest, res *ReportLocationResponse) error {
	sess := common.SessionFromContext(ctx)
	at := req.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}
	s := gate.Sample{Latitude: req.Latitude, Longitude: req.Longitude, Accuracy: req.Accuracy, Time: at}
	out := l.ing.Apply(ctx, "rpc", sess.UserID, s, req.Force)
	if l.misc != nil {
		l.misc.TouchLastSeen(sess.UserID, time.Now())
	}
	switch {
	case out.Err != nil:
		res.Status = -1
		res.Reason = out.Reason
	case out.Persisted:
		res.Status = 0
		res.Reason = out.Reason
	default:
		res.Status = 1
		res.Reason = out.Reason
	}
	return nil
}

// GetActiveUsers is the resync read, every active user joined with its
// identity. Errors surface to the caller as 500 so the frontend can show
// its retry instead of a stale list.
func (l *LocationApi) GetActiveUsers(ctx context.Context, res *[]store.ActiveUser) error {
	users, err := l.store.FetchActive(ctx)
	if err != nil {
		return err
	}
	*res = users
	return nil
}

type RosterStatusResponse struct {
	Generation uint64    `json:"generation"`
	Users      int       `json:"users"`
	SyncedAt   time.Time `json:"synced_at"`
}

func (l *LocationApi) GetRosterStatus(ctx context.Context, res *RosterStatusResponse) error {
	snap := l.roster.Snapshot()
	if snap == nil {
		return nil
	}
	res.Generation = snap.Gen
	res.Users = len(snap.Users)
	res.SyncedAt = snap.SyncedAt
	return nil
}

// ResyncRoster queues a manual wholesale resync, the retry button of the
// admin view.
func (l *LocationApi) ResyncRoster(ctx context.Context, res *common.BasicResponse) error {
	l.roster.RequestResync(roster.TriggerManual)
	res.Status = 0
	return nil
}

type RemoveUserLocationRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// RemoveUserLocation hard-deletes a user's location row. The roster picks
// the deletion up from the feed and resyncs.
func (l *LocationApi) RemoveUserLocation(ctx context.Context, req *RemoveUserLocationRequest, res *common.BasicResponse) error {
	sess := common.SessionFromContext(ctx)
	err := l.store.Delete(ctx, req.UserID)
	if err != nil {
		return err
	}
	if l.misc != nil {
		l.misc.SaveEvent(req.UserID, "remove_location", map[string]string{"by": sess.UserID}, time.Now())
	}
	res.Status = 0
	return nil
}

func (l *LocationApi) GetWsToken(ctx context.Context, res *common.StringResponse) error {
	sess := common.SessionFromContext(ctx)
	select_sql := `SELECT ws_token FROM websocket_session WHERE session_id = $1`
	err := l.db.QueryRow(ctx, select_sql, sess.SessionId).Scan(&res.Value)
	if err != nil {
		if err == pgx.ErrNoRows {
			res.Value = ""
			return nil
		}
		return err
	}
	return nil
}

func (l *LocationApi) CreateWsToken(ctx context.Context, res *common.StringResponse) error {
	sess := common.SessionFromContext(ctx)
	ws_token := util.GenRandomString([]byte{}, 32)
	create_sql := `INSERT INTO websocket_session (ws_token,session_id) VALUES ($1,$2)
	ON CONFLICT (session_id) DO UPDATE SET ws_token = $1`
	_, err := l.db.Exec(ctx, create_sql, ws_token, sess.SessionId)
	if err != nil {
		return err
	}
	res.Value = ws_token
	return nil
}
