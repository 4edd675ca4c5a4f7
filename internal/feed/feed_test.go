package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/store"
)

func rec(uid string) store.Record {
	return store.Record{
		UserID:     uid,
		Latitude:   -6.2,
		Longitude:  106.8,
		Accuracy:   15,
		RecordedAt: time.Now(),
		Active:     true,
	}
}

func TestPublishSubscribe(t *testing.T) {
	f, err := New("node-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	var got []Change
	f.Subscribe("test", func(c Change) {
		got = append(got, c)
	})
	f.Publish(context.Background(), KindInserted, rec("u1"))
	f.Publish(context.Background(), KindUpdated, rec("u1"))
	f.Publish(context.Background(), KindDeleted, rec("u2"))

	if len(got) != 3 {
		t.Fatalf("received %d changes, want 3", len(got))
	}
	if got[0].Kind != KindInserted || got[1].Kind != KindUpdated || got[2].Kind != KindDeleted {
		t.Errorf("kinds = %s %s %s", got[0].Kind, got[1].Kind, got[2].Kind)
	}
	if got[0].Row.UserID != "u1" || got[2].Row.UserID != "u2" {
		t.Errorf("rows = %+v", got)
	}
	if got[0].Source != "node-a" {
		t.Errorf("source = %q, want node-a", got[0].Source)
	}
}

func TestSeqMonotonic(t *testing.T) {
	f, err := New("node-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	var seqs []string
	f.Subscribe("test", func(c Change) {
		seqs = append(seqs, c.Seq)
	})
	for i := 0; i < 5; i++ {
		f.Publish(context.Background(), KindUpdated, rec("u1"))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("seq %q not after %q", seqs[i], seqs[i-1])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	f, err := New("node-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	f.Subscribe("test", func(Change) { n++ })
	f.Publish(context.Background(), KindUpdated, rec("u1"))
	f.Unsubscribe("test")
	f.Publish(context.Background(), KindUpdated, rec("u1"))
	if n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestRelayAccept(t *testing.T) {
	cases := []struct {
		name string
		e    envelope
		want bool
	}{
		{"remote update", envelope{Kind: KindUpdated, Source: "node-b", Row: rec("u1")}, true},
		{"own echo", envelope{Kind: KindUpdated, Source: "node-a", Row: rec("u1")}, false},
		{"no source", envelope{Kind: KindUpdated, Row: rec("u1")}, false},
		{"unknown kind", envelope{Kind: "truncated", Source: "node-b", Row: rec("u1")}, false},
		{"no user", envelope{Kind: KindDeleted, Source: "node-b"}, false},
	}
	for _, c := range cases {
		if got := accept(&c.e, "node-a"); got != c.want {
			t.Errorf("%s: accept = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRelayInjectsRemoteChange(t *testing.T) {
	f, err := New("node-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	var got []Change
	f.Subscribe("probe", func(c Change) {
		got = append(got, c)
	})
	r := &Relay{feed: f, log: log.DefaultLogger}

	d, _ := json.Marshal(envelope{Seq: "01", Kind: KindUpdated, Source: "node-b", Row: rec("u9")})
	r.onRemote(&nats.Msg{Subject: subjectPrefix + KindUpdated, Data: d})

	// malformed payload and own echo are both dropped
	r.onRemote(&nats.Msg{Subject: subjectPrefix + KindUpdated, Data: []byte("{")})
	d, _ = json.Marshal(envelope{Seq: "02", Kind: KindUpdated, Source: "node-a", Row: rec("u9")})
	r.onRemote(&nats.Msg{Subject: subjectPrefix + KindUpdated, Data: d})

	if len(got) != 1 {
		t.Fatalf("injected %d changes, want 1", len(got))
	}
	if got[0].Source != "node-b" || got[0].Row.UserID != "u9" {
		t.Errorf("injected change = %+v", got[0])
	}
}
