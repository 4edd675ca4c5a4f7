// The agent runs next to a positioning daemon and reports the fixes it
// produces to the server's websocket report endpoint. SIGUSR1 forces an
// immediate one shot acquisition, SIGINT/SIGTERM marks the user offline
// and exits. Once shutdown starts no further samples leave the process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Claydropdead/location-monitor-sub001/internal/config"
	"github.com/Claydropdead/location-monitor-sub001/internal/position"
	"github.com/Claydropdead/location-monitor-sub001/internal/position/gpsd"
	"github.com/Claydropdead/location-monitor-sub001/internal/webstream"
)

func main() {
	cfg := config.LoadAgent()
	if cfg.Debug {
		log.DefaultLogger.Level = log.DebugLevel
	} else {
		log.DefaultLogger.Level = log.InfoLevel
	}
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "agent").Value()

	if cfg.WsToken == "" || cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "ws_token and user_id must be configured")
		os.Exit(1)
	}

	provider := gpsd.New(&gpsd.Config{Addr: cfg.GpsdAddr})
	src := position.NewSource(provider, position.DefaultSourceConfig())
	rep := newReporter(cfg.ReportUrl, cfg.WsToken, logger)
	perm := &permState{}

	ctx, cancel := context.WithCancel(context.Background())

	var last_sent time.Time
	watch_done := make(chan struct{})
	go func() {
		defer close(watch_done)
		err := src.Watch(ctx, func(res position.Result) {
			if res.Err != nil {
				logger.Warn().Err(res.Err).Msg("transient position error")
				return
			}
			if cfg.ReportInterval > 0 && time.Since(last_sent) < cfg.ReportInterval {
				return
			}
			if rep.send(ctx, res.Fix, false) {
				last_sent = time.Now()
			}
		})
		if err != nil && ctx.Err() == nil {
			if position.KindOf(err) == position.KindPermissionDenied {
				pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
				state, perr := provider.Permission(pctx)
				pcancel()
				if perr != nil {
					state = "denied"
				}
				perm.set(state)
				logger.Error().Err(err).Str("permission", state).Msg("position watch terminated")
				return
			}
			logger.Error().Err(err).Msg("position watch terminated")
		}
	}()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			if perm.denied() {
				logger.Warn().Msg("positioning permission denied, not acquiring")
				continue
			}
			logger.Info().Msg("forced acquisition requested")
			go func() {
				octx, ocancel := context.WithTimeout(ctx, 90*time.Second)
				defer ocancel()
				fix, err := src.GetOnce(octx)
				if err != nil {
					logger.Error().Err(err).Msg("forced acquisition failed")
					return
				}
				rep.send(ctx, fix, true)
			}()
		}
	}()

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
	s := <-term
	logger.Info().Str("signal", s.String()).Msg("shutting down")

	// order matters: stop producing before announcing offline
	cancel()
	rep.shutdown()
	<-watch_done

	err := sendOffline(cfg.ApiUrl, cfg.UserID, cfg.WsToken)
	if err != nil {
		logger.Error().Err(err).Msg("offline beacon failed")
		os.Exit(1)
	}
	logger.Info().Msg("marked offline")
}

// permState caches the last known positioning permission, refreshed when
// a watch dies with permission denied.
type permState struct {
	mu    sync.Mutex
	state string
}

func (p *permState) set(s string) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *permState) denied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == "denied"
}

// reporter holds one websocket to the report endpoint, redialling lazily
// when a send finds the connection gone. After shutdown every send is a
// no-op.
type reporter struct {
	url   string
	token string
	log   log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newReporter(url, token string, logger log.Logger) *reporter {
	o := &reporter{}
	o.url = url
	o.token = token
	o.log = logger
	o.log.Context = log.NewContext(nil).Str("module", "reporter").Value()
	return o
}

func (r *reporter) send(ctx context.Context, fix position.Fix, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.conn == nil {
		if !r.dial(ctx) {
			return false
		}
	}
	msg := webstream.ReportMessage{
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Accuracy:   fix.Accuracy,
		RecordedAt: fix.Time,
		Force:      force,
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := wsjson.Write(wctx, r.conn, &msg)
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Msg("send failed, dropping connection")
		r.conn.Close(websocket.StatusAbnormalClosure, "send failed")
		r.conn = nil
		return false
	}
	r.log.Debug().Float64("accuracy", fix.Accuracy).Bool("force", force).Msg("sample sent")
	return true
}

func (r *reporter) dial(ctx context.Context) bool {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, r.url, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("unable to dial report endpoint")
		return false
	}
	err = conn.Write(dctx, websocket.MessageText, []byte(r.token))
	if err != nil {
		r.log.Warn().Err(err).Msg("unable to send token")
		conn.Close(websocket.StatusAbnormalClosure, "auth write failed")
		return false
	}
	r.conn = conn
	return true
}

func (r *reporter) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn != nil {
		r.conn.Close(websocket.StatusNormalClosure, "agent shutdown")
		r.conn = nil
	}
}

func sendOffline(apiUrl, userID, token string) error {
	body, err := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"active":  false,
		"token":   token,
	})
	if err != nil {
		panic(err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(apiUrl+"/api/offline", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("offline endpoint answered %s", resp.Status)
	}
	return nil
}
