package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/store"
)

const subjectPrefix = "loc.changes."

type envelope struct {
	Seq    string       `json:"seq"`
	Kind   string       `json:"kind"`
	Source string       `json:"source"`
	Row    store.Record `json:"row"`
}

// Relay mirrors the local change feed onto NATS subjects loc.changes.<kind>
// and replays changes from other instances into the local feed. Changes
// carry the emitting instance tag, anything tagged with our own instance is
// dropped on the way in.
type Relay struct {
	nc   *nats.Conn
	feed *Feed
	log  log.Logger
	sub  *nats.Subscription
}

func NewRelay(url string, f *Feed) (*Relay, error) {
	o := &Relay{}
	o.feed = f
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "feed-relay").Value()

	nc, err := nats.Connect(url,
		nats.Name("locmond-"+f.Instance()),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	o.nc = nc
	o.sub, err = nc.Subscribe(subjectPrefix+"*", o.onRemote)
	if err != nil {
		nc.Close()
		return nil, err
	}
	f.Subscribe("nats-relay", o.onLocal)
	o.log.Info().Str("url", url).Msg("relay connected")
	return o, nil
}

func (r *Relay) onLocal(c Change) {
	if c.Source != r.feed.Instance() {
		// replayed from another instance, never bounce it back out
		return
	}
	d, err := json.Marshal(envelope{Seq: c.Seq, Kind: c.Kind, Source: c.Source, Row: c.Row})
	if err != nil {
		panic(err)
	}
	err = r.nc.Publish(subjectPrefix+c.Kind, d)
	if err != nil {
		r.log.Warn().Err(err).Str("kind", c.Kind).Msg("relay publish failed")
	}
}

func (r *Relay) onRemote(m *nats.Msg) {
	e := envelope{}
	err := json.Unmarshal(m.Data, &e)
	if err != nil {
		r.log.Warn().Err(err).Str("subject", m.Subject).Msg("malformed relay message")
		return
	}
	if !accept(&e, r.feed.Instance()) {
		return
	}
	r.feed.Inject(context.Background(), e.Kind, e.Source, e.Row)
}

func accept(e *envelope, instance string) bool {
	if e.Source == "" || e.Source == instance {
		return false
	}
	switch e.Kind {
	case KindInserted, KindUpdated, KindDeleted:
		return e.Row.UserID != ""
	default:
		return false
	}
}

func (r *Relay) Close() {
	r.feed.Unsubscribe("nats-relay")
	_ = r.sub.Unsubscribe()
	_ = r.nc.Drain()
}
