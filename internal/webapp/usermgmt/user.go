package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/util"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/common"
)

// Stream lets user management cut live websocket connections when an
// account is suspended or its sessions are purged.
type Stream interface {
	KickSession(session_id string)
	KickUser(user_id string)
}

type UserMgmt struct {
	db     *pgxpool.Pool
	stream Stream
	log    log.Logger
}

func NewUserMgmtApi(db *pgxpool.Pool, stream Stream) *UserMgmt {
	u := &UserMgmt{}
	u.db = db
	u.stream = stream
	u.log = log.DefaultLogger
	u.log.Context = log.NewContext(nil).Str("module", "usermgmt").Value()
	return u
}

type UserModel struct {
	UserId           string     `json:"user_id"`
	Username         string     `json:"username"`
	DisplayName      string     `json:"display_name"`
	Password         string     `json:"password"`
	Role             string     `json:"role"`
	RequireChangePwd bool       `json:"require_change_pwd"`
	SuspendLogin     bool       `json:"suspend_login"`
	LastSeen         *time.Time `json:"last_seen"`
}

type AddUserRequest struct {
	Username      string `json:"username" validate:"required,alphanum,min=3"`
	Password      string `json:"password" validate:"required,min=8"`
	DisplayName   string `json:"display_name" validate:"required"`
	Role          string `json:"role" validate:"oneof=reporter monitor admin"`
	SessionLength uint64 `json:"session_length" validate:"required"`
}

func (u *UserMgmt) AddUser(ctx context.Context, req *AddUserRequest, res *common.BasicResponse) error {
	hashedPwd := util.CryptPwd(req.Password)
	sqlStmt := `INSERT INTO "user" (id,username,"password",display_name,require_change_pwd,suspend_login,role,session_length_sec)
	VALUES ($1,$2,$3,$4,true,false,$5,$6)`
	_, err := u.db.Exec(ctx, sqlStmt, util.GenUUID(), req.Username, hashedPwd, req.DisplayName, req.Role, req.SessionLength)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "user_username_key" {
				res.Status = -1
				res.Message = "username already exists"
				u.log.Warn().Str("username", req.Username).Msg("trying to create user with existing username")
				return nil
			}
		}
		return err
	}
	res.Status = 0
	return nil
}

func (u *UserMgmt) GetUsers(ctx context.Context, res *[]*UserModel) error {
	sqlStmt := `SELECT id,username,display_name,"password",role,require_change_pwd,suspend_login,last_seen FROM "user" ORDER BY username`
	rows, err := u.db.Query(ctx, sqlStmt)
	if err != nil {
		return err
	}
	defer rows.Close()
	users := make([]*UserModel, 0)

	for rows.Next() {
		user := &UserModel{}
		var pwd string
		err := rows.Scan(&user.UserId, &user.Username, &user.DisplayName, &pwd,
			&user.Role, &user.RequireChangePwd, &user.SuspendLogin, &user.LastSeen)
		if err != nil {
			return err
		}
		user.Password = fmt.Sprintf("****%s", pwd[:4])
		users = append(users, user)
	}
	*res = users
	return rows.Err()
}

type SetSuspendFlagRequest struct {
	UserId  string `json:"user_id" validate:"required,uuid"`
	Suspend bool   `json:"suspend"`
}

// SetSuspendFlag toggles login suspension. Suspending also purges the
// user's sessions and kicks any live stream, a suspended reporter must not
// keep writing.
func (u *UserMgmt) SetSuspendFlag(ctx context.Context, req *SetSuspendFlagRequest, res *common.BasicResponse) error {
	sqlStmt := `UPDATE "user" SET suspend_login = $1 WHERE id = $2`
	ct, err := u.db.Exec(ctx, sqlStmt, req.Suspend, req.UserId)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		res.Status = -1
		return nil
	}
	if req.Suspend {
		_, err = u.db.Exec(ctx, `DELETE FROM session WHERE user_id = $1`, req.UserId)
		if err != nil {
			return err
		}
		if u.stream != nil {
			u.stream.KickUser(req.UserId)
		}
	}
	res.Status = 0
	return nil
}

type ListSessionRequest struct {
	UserId string `json:"user_id" validate:"required,uuid"`
}

type ListSessionResponse struct {
	SessionId  string    `json:"session_id"`
	ValidUntil time.Time `json:"valid_until"`
	WsToken    *string   `json:"ws_token"`
}

func (u *UserMgmt) ListSession(ctx context.Context, req *ListSessionRequest, res *[]*ListSessionResponse) error {
	sqlStmt := `SELECT session.session_id,websocket_session.ws_token,session.valid_until
	FROM session LEFT JOIN websocket_session ON websocket_session.session_id = session.session_id
	WHERE session.user_id = $1`
	rows, err := u.db.Query(ctx, sqlStmt, req.UserId)
	if err != nil {
		return err
	}
	defer rows.Close()
	sessions := make([]*ListSessionResponse, 0)

	for rows.Next() {
		sess := &ListSessionResponse{}
		err := rows.Scan(&sess.SessionId, &sess.WsToken, &sess.ValidUntil)
		if err != nil {
			return err
		}
		sessions = append(sessions, sess)
	}
	*res = sessions
	return rows.Err()
}

type PurgeSessionRequest struct {
	UserId string `json:"user_id" validate:"required,uuid"`
	All    bool   `json:"all"`
}

type PurgeSessionResponse struct {
	Count int64 `json:"count"`
}

func (u *UserMgmt) PurgeSession(ctx context.Context, req *PurgeSessionRequest, res *PurgeSessionResponse) error {
	var sqlExec string
	if req.All {
		sqlExec = `DELETE FROM session WHERE session.user_id = $1`
	} else {
		sqlExec = `DELETE FROM session WHERE session.user_id = $1 AND session.valid_until > now()`
	}
	ct, err := u.db.Exec(ctx, sqlExec, req.UserId)
	if err != nil {
		return err
	}
	if u.stream != nil {
		u.stream.KickUser(req.UserId)
	}
	res.Count = ct.RowsAffected()
	return nil
}
