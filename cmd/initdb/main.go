package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/Claydropdead/location-monitor-sub001/internal/config"
	"github.com/Claydropdead/location-monitor-sub001/internal/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS "user" (
		id uuid PRIMARY KEY,
		serial bigserial UNIQUE,
		username text UNIQUE NOT NULL,
		"password" text NOT NULL,
		display_name text NOT NULL DEFAULT '',
		role text NOT NULL DEFAULT 'reporter',
		require_change_pwd boolean NOT NULL DEFAULT true,
		suspend_login boolean NOT NULL DEFAULT false,
		session_length_sec integer NOT NULL DEFAULT 43200,
		last_seen timestamptz,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS session (
		session_id text PRIMARY KEY,
		user_id uuid NOT NULL REFERENCES "user"(id) ON DELETE CASCADE,
		csrf_token text NOT NULL,
		valid_until timestamptz NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS websocket_session (
		ws_token text PRIMARY KEY,
		session_id text UNIQUE NOT NULL REFERENCES session(session_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS user_location (
		user_id uuid PRIMARY KEY REFERENCES "user"(id) ON DELETE CASCADE,
		latitude double precision NOT NULL,
		longitude double precision NOT NULL,
		accuracy double precision NOT NULL,
		recorded_at timestamptz NOT NULL,
		active boolean NOT NULL DEFAULT true,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS location_event (
		id bigserial PRIMARY KEY,
		user_id uuid NOT NULL,
		event text NOT NULL,
		detail jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS session_user_id_idx ON session (user_id)`,
	`CREATE INDEX IF NOT EXISTS location_event_user_id_idx ON location_event (user_id, created_at)`,
}

var admin_user = flag.String("admin-user", "admin", "username of the seeded admin")
var admin_pwd = flag.String("admin-pwd", "admin", "initial password of the seeded admin, must be changed on first login")

func main() {
	flag.Parse()
	cfg := config.LoadServer()
	pool, err := pgxpool.Connect(context.Background(), cfg.DbUrl)
	if err != nil {
		panic(err.Error())
	}
	for _, stmt := range schema {
		_, err = pool.Exec(context.Background(), stmt)
		if err != nil {
			panic(err.Error())
		}
	}

	uuid := util.GenUUID()
	hashedPwd := util.CryptPwd(*admin_pwd)
	sqlStmt := `INSERT INTO "user" (id,username,"password",display_name,role,require_change_pwd,session_length_sec)
	VALUES ($1,$2,$3,$4,'admin',true,43200)
	ON CONFLICT (username) DO NOTHING`
	ct, err := pool.Exec(context.Background(), sqlStmt, uuid, *admin_user, hashedPwd, "Administrator")
	if err != nil {
		panic(err.Error())
	}
	if ct.RowsAffected() == 1 {
		fmt.Printf("created admin user %q with id %s\n", *admin_user, uuid)
	} else {
		fmt.Printf("admin user %q already present\n", *admin_user)
	}
}
