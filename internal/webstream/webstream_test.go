package webstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Claydropdead/location-monitor-sub001/internal/feed"
	"github.com/Claydropdead/location-monitor-sub001/internal/gate"
	"github.com/Claydropdead/location-monitor-sub001/internal/ingest"
	"github.com/Claydropdead/location-monitor-sub001/internal/monitoring"
	"github.com/Claydropdead/location-monitor-sub001/internal/roster"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
	"github.com/Claydropdead/location-monitor-sub001/internal/store/impl/logstore"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/common"
)

type stubAuth struct {
	tokens map[string]*common.UserSession
}

func (a *stubAuth) ByWsToken(ctx context.Context, token string) (*common.UserSession, error) {
	return a.tokens[token], nil
}

type wsHarness struct {
	s  *Server
	ts *httptest.Server
	st *logstore.LogStore
	ro *roster.Controller
}

func newWsHarness(t *testing.T) *wsHarness {
	t.Helper()
	f, err := feed.New("test", 1)
	if err != nil {
		t.Fatal(err)
	}
	st := logstore.NewStore(f)
	m := monitoring.New(prometheus.NewRegistry())
	ing := ingest.New(st, gate.New(gate.DefaultConfig()), m)
	ro := roster.New(st, f, m, &roster.Config{
		ResyncInterval: time.Hour,
		Debounce:       10 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
	})
	ro.Start(context.Background())
	auth := &stubAuth{tokens: map[string]*common.UserSession{
		"tok-reporter": {UserID: "u1", Username: "alice", Role: common.RoleReporter, SessionId: "sess-1"},
		"tok-admin":    {UserID: "adm", Username: "root", Role: common.RoleAdmin, SessionId: "sess-2"},
	}}
	s := NewServer(auth, ing, ro, m, &Config{})
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		ro.Stop()
	})
	return &wsHarness{s: s, ts: ts, st: st, ro: ro}
}

func dialWs(t *testing.T, ts *httptest.Server, path string, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.Replace(ts.URL, "http", "ws", 1) + path
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Write(ctx, websocket.MessageText, []byte(token))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReportPersistsSample(t *testing.T) {
	h := newWsHarness(t)
	c := dialWs(t, h.ts, "/report", "tok-reporter")
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := ReportMessage{Latitude: -6.1754, Longitude: 106.8272, Accuracy: 15}
	if err := wsjson.Write(ctx, c, msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sample to land in the store", func() bool {
		rec, _ := h.st.FetchRecord(context.Background(), "u1")
		return rec != nil && rec.Active && rec.Latitude == msg.Latitude
	})
	rec, _ := h.st.FetchRecord(context.Background(), "u1")
	if rec.RecordedAt.IsZero() {
		t.Error("recorded_at not defaulted")
	}
}

func TestReportUnknownToken(t *testing.T) {
	h := newWsHarness(t)
	c := dialWs(t, h.ts, "/report", "no-such-token")
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded on a rejected stream")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status %v", websocket.CloseStatus(err))
	}
}

func TestWatchRequiresAdminRole(t *testing.T) {
	h := newWsHarness(t)
	c := dialWs(t, h.ts, "/watch", "tok-reporter")
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status %v", websocket.CloseStatus(err))
	}
}

func TestWatchStreamsSnapshots(t *testing.T) {
	h := newWsHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.st.AddUser(store.Identity{UserID: "u1", Username: "alice", ShareCode: "c1"})
	err := h.st.Upsert(ctx, store.Record{UserID: "u1", Latitude: -6.2, Longitude: 106.8, Accuracy: 20, RecordedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "roster to pick up the seed row", func() bool {
		snap := h.ro.Snapshot()
		return snap != nil && len(snap.Users) == 1
	})

	c := dialWs(t, h.ts, "/watch", "tok-admin")
	defer c.Close(websocket.StatusNormalClosure, "")

	// attach delivers the current snapshot right away
	var snap roster.Snapshot
	if err := wsjson.Read(ctx, c, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Users) != 1 || snap.Users[0].Username != "alice" {
		t.Fatalf("initial snapshot: %+v", snap)
	}

	h.st.AddUser(store.Identity{UserID: "u2", Username: "bob", ShareCode: "c2"})
	err = h.st.Upsert(ctx, store.Record{UserID: "u2", Latitude: -6.3, Longitude: 106.9, Accuracy: 25, RecordedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	for len(snap.Users) != 2 {
		if err := wsjson.Read(ctx, c, &snap); err != nil {
			t.Fatalf("waiting for grown snapshot: %v (last %+v)", err, snap)
		}
	}
	if snap.Users[0].Username != "alice" || snap.Users[1].Username != "bob" {
		t.Fatalf("snapshot order: %+v", snap.Users)
	}
}

func TestKickUserTerminatesStream(t *testing.T) {
	h := newWsHarness(t)
	c := dialWs(t, h.ts, "/report", "tok-reporter")
	defer c.Close(websocket.StatusNormalClosure, "")

	waitFor(t, "stream to attach", func() bool {
		reporters, _ := h.s.Counts()
		return reporters == 1
	})
	h.s.KickUser("u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatal("stream still alive after kick")
	}
	waitFor(t, "stream to detach", func() bool {
		reporters, _ := h.s.Counts()
		return reporters == 0
	})
}

func TestUnknownPathNotFound(t *testing.T) {
	h := newWsHarness(t)
	res, err := http.Get(h.ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status %d", res.StatusCode)
	}
}
