package webapp

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/common"
)

// TokenResolver resolves session cookies and websocket tokens to the user
// behind them. nil, nil means the credential is unknown, expired or the
// user is suspended.
type TokenResolver interface {
	BySession(ctx context.Context, session_id string) (*common.UserSession, error)
	ByWsToken(ctx context.Context, token string) (*common.UserSession, error)
}

// PgTokenResolver is the postgres TokenResolver used in production. The
// websocket token path joins through the session so a purged session
// invalidates its tokens immediately.
type PgTokenResolver struct {
	db *pgxpool.Pool
}

func NewPgTokenResolver(db *pgxpool.Pool) *PgTokenResolver {
	return &PgTokenResolver{db: db}
}

func (a *PgTokenResolver) BySession(ctx context.Context, session_id string) (*common.UserSession, error) {
	select_sql := `SELECT "user".id,"user".username,"user".role,"user".require_change_pwd,session.valid_until
	FROM "user" INNER JOIN session ON "user".id = session.user_id
	WHERE session.session_id = $1 AND session.valid_until > now() AND NOT "user".suspend_login`
	u := &common.UserSession{SessionId: session_id}
	err := a.db.QueryRow(ctx, select_sql, session_id).
		Scan(&u.UserID, &u.Username, &u.Role, &u.RequireChangePassword, &u.ValidUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (a *PgTokenResolver) ByWsToken(ctx context.Context, token string) (*common.UserSession, error) {
	select_sql := `SELECT "user".id,"user".username,"user".role,"user".require_change_pwd,session.session_id,session.valid_until
	FROM websocket_session
	INNER JOIN session ON websocket_session.session_id = session.session_id
	INNER JOIN "user" ON "user".id = session.user_id
	WHERE websocket_session.ws_token = $1 AND session.valid_until > now() AND NOT "user".suspend_login`
	u := &common.UserSession{}
	err := a.db.QueryRow(ctx, select_sql, token).
		Scan(&u.UserID, &u.Username, &u.Role, &u.RequireChangePassword, &u.SessionId, &u.ValidUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}
