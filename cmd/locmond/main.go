package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Claydropdead/location-monitor-sub001/internal/config"
	"github.com/Claydropdead/location-monitor-sub001/internal/feed"
	"github.com/Claydropdead/location-monitor-sub001/internal/gate"
	"github.com/Claydropdead/location-monitor-sub001/internal/ingest"
	"github.com/Claydropdead/location-monitor-sub001/internal/monitoring"
	"github.com/Claydropdead/location-monitor-sub001/internal/roster"
	"github.com/Claydropdead/location-monitor-sub001/internal/sharecode"
	"github.com/Claydropdead/location-monitor-sub001/internal/store/impl/pgstore"
	"github.com/Claydropdead/location-monitor-sub001/internal/tunnel"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp"
	"github.com/Claydropdead/location-monitor-sub001/internal/webstream"
)

func main() {
	cfg := config.LoadServer()
	if cfg.Debug {
		log.DefaultLogger.Level = log.DebugLevel
	} else {
		log.DefaultLogger.Level = log.InfoLevel
	}

	pool, err := pgxpool.Connect(context.Background(), cfg.DbUrl)
	if err != nil {
		panic(err.Error())
	}

	f, err := feed.New(cfg.Instance, cfg.FeedNode)
	if err != nil {
		panic(err.Error())
	}
	var relay *feed.Relay
	if cfg.NatsUrl != "" {
		relay, err = feed.NewRelay(cfg.NatsUrl, f)
		if err != nil {
			panic(err.Error())
		}
	}

	codec, err := sharecode.New(cfg.CodeSalt)
	if err != nil {
		panic(err.Error())
	}
	st := pgstore.NewStore(pool, f, codec)
	misc := pgstore.NewMiscStore(pool)

	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)

	g := gate.New(gate.DefaultConfig())
	ing := ingest.New(st, g, metrics)

	ro := roster.New(st, f, metrics, roster.DefaultConfig())
	ro.Start(context.Background())

	ws := webstream.NewServer(webapp.NewPgTokenResolver(pool), ing, ro, metrics,
		&webstream.Config{ListenAddr: cfg.WsListenAddr, ProxyProtocol: cfg.ProxyProtocol})
	api := webapp.NewApi(pool, st, misc, ing, ro, ws, reg,
		&webapp.ApiConfig{ListenAddr: cfg.ApiListenAddr, VerifyCSRF: cfg.VerifyCSRF, CookieDomain: cfg.CookieDomain})

	var tln *tunnel.Listener
	if cfg.TunnelRelayAddr != "" {
		tln = tunnel.Listen(&tunnel.Config{RelayAddr: cfg.TunnelRelayAddr, Token: cfg.TunnelToken})
		go ws.ServeListener(tln)
	}
	go ws.Run()
	go api.Run()

	// idle throttle state does not survive a user going quiet forever
	prune_stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Prune()
			case <-prune_stop:
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	if err := ws.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("webstream shutdown")
	}
	if tln != nil {
		tln.Close()
	}
	close(prune_stop)
	ro.Stop()
	if relay != nil {
		relay.Close()
	}
	pool.Close()
}
