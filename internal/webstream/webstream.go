// Package webstream serves the live websocket endpoints: reporters push
// position samples on /report, admins watch roster snapshots on /watch.
// Authentication is a websocket token sent as the first frame, minted
// through the rpc api and bound to a cookie session. Killing the session
// kills the stream.
package webstream

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Claydropdead/location-monitor-sub001/internal/gate"
	"github.com/Claydropdead/location-monitor-sub001/internal/ingest"
	"github.com/Claydropdead/location-monitor-sub001/internal/monitoring"
	"github.com/Claydropdead/location-monitor-sub001/internal/roster"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/common"
)

const authTimeout = 10 * time.Second
const writeTimeout = 10 * time.Second

// TokenAuth resolves a websocket token to the session that minted it.
// Returns nil without error when the token is unknown or expired.
type TokenAuth interface {
	ByWsToken(ctx context.Context, token string) (*common.UserSession, error)
}

type Config struct {
	ListenAddr    string
	ProxyProtocol bool
}

type Server struct {
	config      *Config
	server      *http.Server
	auth        TokenAuth
	ing         *ingest.Ingestor
	roster      *roster.Controller
	metrics     *monitoring.Collector
	vld         *validator.Validate
	logger      zerolog.Logger
	cid_counter uint64

	mu      sync.Mutex
	clients map[uint64]*client
}

// ReportMessage is one position sample pushed by a reporter client.
type ReportMessage struct {
	Latitude   float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	RecordedAt time.Time `json:"recorded_at"`
	Force      bool      `json:"force"`
}

func NewServer(auth TokenAuth, ing *ingest.Ingestor, ro *roster.Controller, metrics *monitoring.Collector, config *Config) *Server {
	o := &Server{}
	o.config = config
	o.auth = auth
	o.ing = ing
	o.roster = ro
	o.metrics = metrics
	o.vld = validator.New()
	o.clients = make(map[uint64]*client)
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        o,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.logger = log.With().Str("module", "webstream").Logger()
	return o
}

func (s *Server) Run() {
	s.logger.Info().Msgf("starting webstream server on %s", s.config.ListenAddr)
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		panic(err)
	}
	var serve_ln net.Listener = ln
	if s.config.ProxyProtocol {
		serve_ln = &proxyproto.Listener{Listener: ln}
	}
	err = s.server.Serve(serve_ln)
	if err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}

// ServeListener serves the same endpoints on an extra listener, used for
// the tunnel from behind NAT.
func (s *Server) ServeListener(ln net.Listener) {
	err := s.server.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		s.logger.Err(err).Msg("tunnel listener serve ended")
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cl := range s.clients {
		cl.kick("server shutting down")
	}
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/report":
		s.serve(w, r, "report", common.RoleReporter)
	case "/watch":
		s.serve(w, r, "watch", common.RoleAdmin)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, endpoint string, role string) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "the sky is falling")

	// first frame carries the ws token
	readCtx, cancel := context.WithTimeout(context.Background(), authTimeout)
	_, msg, err := c.Read(readCtx)
	cancel()
	if err != nil {
		s.logger.Err(err).Msg("error while reading auth token")
		return
	}
	authCtx, cancel := context.WithTimeout(context.Background(), authTimeout)
	sess, err := s.auth.ByWsToken(authCtx, string(msg))
	cancel()
	if err != nil {
		s.logger.Err(err).Msg("error while resolving auth token")
		c.Close(websocket.StatusInternalError, "auth lookup failed")
		return
	}
	if sess == nil {
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}
	if !common.HasRole(sess.Role, role) {
		c.Close(websocket.StatusPolicyViolation, "insufficient role")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{c: c, sess: sess, endpoint: endpoint, cancel: cancel}
	cl.logger = s.logger.With().Str("endpoint", endpoint).Str("user_id", sess.UserID).Logger()
	cid := s.addClient(cl)
	defer s.delClient(cid)
	defer cancel()

	cl.logger.Info().Uint64("cid", cid).Msg("stream attached")
	if endpoint == "report" {
		s.report_loop(ctx, cl)
	} else {
		s.watch_loop(ctx, cl)
	}
	cl.logger.Info().Uint64("cid", cid).Msg("stream detached")
	c.Close(websocket.StatusNormalClosure, "")
}

// report_loop ingests samples until the client disconnects or is kicked.
// Store failures are logged and the stream stays up, the reporter keeps
// sending and a later sample will land.
func (s *Server) report_loop(ctx context.Context, cl *client) {
	for {
		var msg ReportMessage
		err := wsjson.Read(ctx, cl.c, &msg)
		if err != nil {
			cl.logger.Debug().Err(err).Msg("report stream closed")
			return
		}
		err = s.vld.Struct(&msg)
		if err != nil {
			cl.logger.Warn().Err(err).Msg("discarding malformed sample")
			continue
		}
		if msg.RecordedAt.IsZero() {
			msg.RecordedAt = time.Now()
		}
		sample := gate.Sample{
			Latitude:  msg.Latitude,
			Longitude: msg.Longitude,
			Accuracy:  msg.Accuracy,
			Time:      msg.RecordedAt,
		}
		out := s.ing.Apply(ctx, "ws", cl.sess.UserID, sample, msg.Force)
		if out.Err != nil {
			cl.logger.Error().Err(out.Err).Msg("sample not persisted")
		}
	}
}

// watch_loop pushes roster snapshots. Watch delivers the current snapshot
// on attach, the subscription channel drops intermediate generations for
// slow consumers so only the latest state is ever in flight.
func (s *Server) watch_loop(ctx context.Context, cl *client) {
	ch := s.roster.Watch()
	defer s.roster.Unwatch(ch)
	go cl.readloop(ctx)
	for {
		select {
		case snap := <-ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, cl.c, snap)
			cancel()
			if err != nil {
				cl.logger.Debug().Err(err).Msg("watch stream closed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) addClient(cl *client) uint64 {
	cid := atomic.AddUint64(&s.cid_counter, 1)
	s.mu.Lock()
	s.clients[cid] = cl
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WsConnected(cl.endpoint)
	}
	return cid
}

func (s *Server) delClient(cid uint64) {
	s.mu.Lock()
	cl, ok := s.clients[cid]
	delete(s.clients, cid)
	s.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.WsDisconnected(cl.endpoint)
	}
}

// KickSession closes every stream attached to the given cookie session,
// called from logout so a purged session cannot keep reporting.
func (s *Server) KickSession(session_id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cl := range s.clients {
		if cl.sess.SessionId == session_id {
			cl.kick("session terminated")
		}
	}
}

// KickUser closes every stream of the given user, called on suspend,
// password change and session purge.
func (s *Server) KickUser(user_id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cl := range s.clients {
		if cl.sess.UserID == user_id {
			cl.kick("session terminated")
		}
	}
}

func (s *Server) Counts() (reporters int, watchers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cl := range s.clients {
		if cl.endpoint == "report" {
			reporters++
		} else {
			watchers++
		}
	}
	return reporters, watchers
}

type client struct {
	c        *websocket.Conn
	sess     *common.UserSession
	endpoint string
	cancel   context.CancelFunc
	logger   zerolog.Logger
	kicked   uint32
}

func (cl *client) kick(reason string) {
	if !atomic.CompareAndSwapUint32(&cl.kicked, 0, 1) {
		return
	}
	cl.cancel()
	cl.c.Close(websocket.StatusNormalClosure, reason)
}

// readloop drains client frames on the watch endpoint so pings and
// closes are noticed while the writer blocks on the snapshot channel.
func (cl *client) readloop(ctx context.Context) {
	for {
		_, _, err := cl.c.Read(ctx)
		if err != nil {
			cl.cancel()
			return
		}
	}
}
