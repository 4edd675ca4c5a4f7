// Package gpsd implements position.Provider against a local positioning
// daemon speaking newline delimited JSON over TCP.
//
// Client messages are {"type":"request"|"watch"|"permission","data":{...}},
// the daemon answers with {"type":"fix"|"error"|"permission","data":{...}}.
package gpsd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	zlog "github.com/rs/zerolog/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/position"
	"github.com/Claydropdead/location-monitor-sub001/internal/util/wc"
)

type Config struct {
	Addr        string
	DialTimeout time.Duration
}

type Provider struct {
	config      *Config
	log         log.Logger
	cid_counter uint64
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type requestData struct {
	HighAccuracy bool  `json:"high_accuracy"`
	TimeoutMs    int64 `json:"timeout_ms"`
	MaxAgeMs     int64 `json:"max_age_ms"`
}

type fixData struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Time      time.Time `json:"time"`
}

type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type permissionData struct {
	State string `json:"state"`
}

func New(config *Config) *Provider {
	o := &Provider{}
	o.config = config
	if o.config.DialTimeout == 0 {
		o.config.DialTimeout = 5 * time.Second
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "gpsd").Str("daemon", config.Addr).Value()
	return o
}

func (p *Provider) dial(ctx context.Context) (*wc.Conn, error) {
	d := net.Dialer{Timeout: p.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.config.Addr)
	if err != nil {
		return nil, &position.Error{Kind: position.KindServiceUnavailable, Msg: err.Error()}
	}
	cid := atomic.AddUint64(&p.cid_counter, 1)
	return wc.NewWrappedConn(conn, conn.RemoteAddr().String(), cid, zlog.Logger), nil
}

func send(c *wc.Conn, typ string, data interface{}) error {
	m := struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{Type: typ, Data: data}
	d, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	_, err = c.Write(append(d, '\n'))
	return err
}

func readParse(c *wc.Conn) (*message, error) {
	d, err := c.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	m := message{}
	err = json.Unmarshal(d, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// decode converts one daemon message into a Result. Malformed fix payloads
// and empty or malformed error payloads both come out as service
// unavailable.
func decode(m *message) (position.Result, bool) {
	switch m.Type {
	case "fix":
		f := fixData{}
		err := json.Unmarshal(m.Data, &f)
		if err != nil || (f.Latitude == 0 && f.Longitude == 0 && f.Accuracy == 0) {
			return position.Result{Err: &position.Error{Kind: position.KindServiceUnavailable, Msg: "malformed fix payload"}}, true
		}
		if f.Time.IsZero() {
			f.Time = time.Now()
		}
		return position.Result{Fix: position.Fix{Latitude: f.Latitude, Longitude: f.Longitude, Accuracy: f.Accuracy, Time: f.Time}}, true
	case "error":
		e := errorData{}
		_ = json.Unmarshal(m.Data, &e)
		return position.Result{Err: position.FromCode(e.Code, e.Message)}, true
	default:
		return position.Result{}, false
	}
}

func (p *Provider) Request(ctx context.Context, opts position.Options) (position.Fix, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return position.Fix{}, err
	}
	defer c.Close()

	err = send(c, "request", requestData{
		HighAccuracy: opts.HighAccuracy,
		TimeoutMs:    opts.Timeout.Milliseconds(),
		MaxAgeMs:     opts.MaxAge.Milliseconds(),
	})
	if err != nil {
		return position.Fix{}, &position.Error{Kind: position.KindServiceUnavailable, Msg: err.Error()}
	}
	if opts.Timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(opts.Timeout))
	}
	for {
		m, err := readParse(c)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return position.Fix{}, &position.Error{Kind: position.KindTimeout, Msg: "no answer from daemon"}
			}
			return position.Fix{}, &position.Error{Kind: position.KindServiceUnavailable, Msg: err.Error()}
		}
		res, ok := decode(m)
		if !ok {
			continue
		}
		if res.Err != nil {
			return position.Fix{}, res.Err
		}
		return res.Fix, nil
	}
}

func (p *Provider) Watch(ctx context.Context, opts position.Options) (<-chan position.Result, func()) {
	ch := make(chan position.Result, 8)
	stopped := make(chan struct{})
	var mu sync.Mutex
	var done bool
	var conn *wc.Conn
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		done = true
		close(stopped)
		if conn != nil {
			conn.Close()
		}
	}

	go func() {
		defer close(ch)
		c, err := p.dial(ctx)
		if err != nil {
			ch <- position.Result{Err: err}
			return
		}
		mu.Lock()
		if done {
			mu.Unlock()
			c.Close()
			return
		}
		conn = c
		mu.Unlock()
		defer c.Close()
		err = send(c, "watch", requestData{HighAccuracy: opts.HighAccuracy})
		if err != nil {
			ch <- position.Result{Err: &position.Error{Kind: position.KindServiceUnavailable, Msg: err.Error()}}
			return
		}
		for {
			m, err := readParse(c)
			if err != nil {
				select {
				case <-stopped:
				case <-ctx.Done():
				default:
					ch <- position.Result{Err: &position.Error{Kind: position.KindServiceUnavailable, Msg: err.Error()}}
				}
				return
			}
			res, ok := decode(m)
			if !ok {
				continue
			}
			select {
			case ch <- res:
			case <-stopped:
				return
			case <-ctx.Done():
				return
			}
			if res.Err != nil && position.KindOf(res.Err) == position.KindPermissionDenied {
				return
			}
		}
	}()
	return ch, stop
}

func (p *Provider) Permission(ctx context.Context) (string, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()
	err = send(c, "permission", nil)
	if err != nil {
		return "", &position.Error{Kind: position.KindServiceUnavailable, Msg: err.Error()}
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		m, err := readParse(c)
		if err != nil {
			return "", &position.Error{Kind: position.KindServiceUnavailable, Msg: err.Error()}
		}
		if m.Type != "permission" {
			continue
		}
		s := permissionData{}
		err = json.Unmarshal(m.Data, &s)
		if err != nil || s.State == "" {
			return "", &position.Error{Kind: position.KindServiceUnavailable, Msg: "malformed permission payload"}
		}
		return s.State, nil
	}
}
