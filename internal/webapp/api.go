package webapp

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Claydropdead/location-monitor-sub001/internal/ingest"
	"github.com/Claydropdead/location-monitor-sub001/internal/monitoring"
	"github.com/Claydropdead/location-monitor-sub001/internal/roster"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
	"github.com/Claydropdead/location-monitor-sub001/internal/store/impl/pgstore"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/common"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/location"
	admin "github.com/Claydropdead/location-monitor-sub001/internal/webapp/usermgmt"
)

type ApiConfig struct {
	ListenAddr   string
	VerifyCSRF   bool
	CookieDomain string
}

// Stream is the live websocket server as the api sees it, used to kick
// connections on logout/suspend and to report client counts on /status.
type Stream interface {
	KickSession(session_id string)
	KickUser(user_id string)
	Counts() (reporters int, watchers int)
}

type Api struct {
	r       chi.Router
	s       *http.Server
	config  *ApiConfig
	log     log.Logger
	db      *pgxpool.Pool
	vld     *validator.Validate
	stream  Stream
	roster  *roster.Controller
	started time.Time
}

func NewApi(db *pgxpool.Pool, st store.LocationStore, misc *pgstore.PgMiscStore,
	ing *ingest.Ingestor, ro *roster.Controller, stream Stream,
	gatherer prometheus.Gatherer, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.db = db
	api.stream = stream
	api.roster = ro
	api.started = time.Now()
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-XSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Recoverer)

	disp := NewDispatcher(db)
	location_api := location.NewLocationApi(db, ing, ro, st, misc)
	disp.Add("ReportLocation", location_api.ReportLocation, common.RoleReporter)
	disp.Add("CreateWsToken", location_api.CreateWsToken, common.RoleReporter)
	disp.Add("GetWsToken", location_api.GetWsToken, common.RoleReporter)
	disp.Add("GetRosterStatus", location_api.GetRosterStatus, common.RoleMonitor)
	disp.Add("GetActiveUsers", location_api.GetActiveUsers, common.RoleAdmin)
	disp.Add("ResyncRoster", location_api.ResyncRoster, common.RoleAdmin)
	disp.Add("RemoveUserLocation", location_api.RemoveUserLocation, common.RoleAdmin)

	usermgmt_api := admin.NewUserMgmtApi(db, stream)
	disp.Add("AddUser", usermgmt_api.AddUser, common.RoleAdmin)
	disp.Add("GetUsers", usermgmt_api.GetUsers, common.RoleAdmin)
	disp.Add("SetSuspendFlag", usermgmt_api.SetSuspendFlag, common.RoleAdmin)
	disp.Add("ListSession", usermgmt_api.ListSession, common.RoleAdmin)
	disp.Add("PurgeSession", usermgmt_api.PurgeSession, common.RoleAdmin)

	r.Post("/func/login", func(w http.ResponseWriter, r *http.Request) {
		api.Login(w, r)
	})
	r.Post("/func/logout", func(w http.ResponseWriter, r *http.Request) {
		api.Logout(w, r)
	})
	r.Post("/func/sess_check", func(w http.ResponseWriter, r *http.Request) {
		api.SessionCheck(w, r)
	})

	// beacon endpoint, stays outside the CSRF fence
	offline := NewOfflineHandler(st, misc, NewPgTokenResolver(db))
	r.Method("POST", "/api/offline", offline)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		api.Status(w, r)
	})
	r.Method("GET", "/metrics", monitoring.Handler(gatherer))

	var final_router chi.Router
	if config.VerifyCSRF {
		final_router = r.With(xsrf_verify)
	} else {
		final_router = r
	}
	final_router.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		f := chi.URLParam(r, "name")
		if f == "ChangePassword" {
			api.ChangePassword(w, r)
		} else {
			disp.Call(f, w, r)
		}
	})

	// serve through the root router, the csrf wrapper is baked into the
	// /func route itself and cors still covers every route
	api.r = r
	s := &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	api.s = s

	return api
}

func (api *Api) Run() {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	err := api.s.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		api.log.Error().Err(err).Msg("")
		panic(err)
	}
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func xsrf_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hsrf := r.Header.Get("X-XSRF-TOKEN")
		ct, err1 := r.Cookie("GSURF")
		var cookie_token string
		if err1 == nil {
			cookie_token = ct.Value
		} else {
			cookie_token = ""
		}
		if err1 != nil || hsrf != cookie_token {
			log.Debug().Err(err1).Str("header_token", hsrf).Str("cookie_token", cookie_token).Msg("mismatched csrf token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
