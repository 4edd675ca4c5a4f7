// Package feed carries location change events between the store and its
// consumers. Events are transient, a consumer that needs the full picture
// resyncs from the store instead of replaying history.
package feed

import (
	"context"
	"strings"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/store"
)

const (
	KindInserted = "inserted"
	KindUpdated  = "updated"
	KindDeleted  = "deleted"
)

const topicPrefix = "location."

// Change is one location mutation. Seq is a monotonic id assigned at emit
// time, Source names the emitting instance.
type Change struct {
	Seq    string       `json:"seq"`
	Kind   string       `json:"kind"`
	Source string       `json:"source"`
	Row    store.Record `json:"row"`
}

type Feed struct {
	b        *bus.Bus
	log      log.Logger
	instance string
}

// New builds a feed for this instance. node feeds the sequence id
// generator and must be unique per instance when a relay is in use.
func New(instance string, node uint64) (*Feed, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, 0)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(topicPrefix+KindInserted, topicPrefix+KindUpdated, topicPrefix+KindDeleted)
	o := &Feed{}
	o.b = b
	o.instance = instance
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "feed").Str("instance", instance).Value()
	return o, nil
}

func (f *Feed) Instance() string {
	return f.instance
}

// Publish emits a change produced by this instance.
func (f *Feed) Publish(ctx context.Context, kind string, row store.Record) {
	f.emit(ctx, kind, f.instance, row)
}

// Inject replays a change received from another instance, keeping its
// source tag so relays can tell it apart from local activity.
func (f *Feed) Inject(ctx context.Context, kind, source string, row store.Record) {
	f.emit(ctx, kind, source, row)
}

func (f *Feed) emit(ctx context.Context, kind, source string, row store.Record) {
	err := f.b.EmitWithOpts(ctx, topicPrefix+kind, row, bus.WithSource(source))
	if err != nil {
		f.log.Error().Err(err).Str("kind", kind).Msg("emit failed")
	}
}

// Subscribe registers fn for every change under key. fn runs on the
// publishing goroutine and must not block.
func (f *Feed) Subscribe(key string, fn func(Change)) {
	f.b.RegisterHandler(key, bus.Handler{
		Matcher: "^location\\..*",
		Handle: func(ctx context.Context, e bus.Event) {
			row, ok := e.Data.(store.Record)
			if !ok {
				return
			}
			fn(Change{
				Seq:    e.ID,
				Kind:   strings.TrimPrefix(e.Topic, topicPrefix),
				Source: e.Source,
				Row:    row,
			})
		},
	})
}

func (f *Feed) Unsubscribe(key string) {
	f.b.DeregisterHandler(key)
}
