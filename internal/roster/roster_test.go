package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Claydropdead/location-monitor-sub001/internal/feed"
	"github.com/Claydropdead/location-monitor-sub001/internal/monitoring"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
	"github.com/Claydropdead/location-monitor-sub001/internal/store/impl/logstore"
)

// countingStore counts FetchActive calls so tests can pin down how many
// full resyncs a scenario causes.
type countingStore struct {
	store.LocationStore
	mu      sync.Mutex
	fetches int
}

func (c *countingStore) FetchActive(ctx context.Context) ([]store.ActiveUser, error) {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()
	return c.LocationStore.FetchActive(ctx)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func testConfig() *Config {
	return &Config{
		ResyncInterval: time.Hour,
		Debounce:       20 * time.Millisecond,
		RetryDelay:     20 * time.Millisecond,
	}
}

func newHarness(t *testing.T) (*Controller, *logstore.LogStore, *countingStore) {
	t.Helper()
	f, err := feed.New("test", 1)
	if err != nil {
		t.Fatal(err)
	}
	ls := logstore.NewStore(f)
	cs := &countingStore{LocationStore: ls}
	m := monitoring.New(prometheus.NewRegistry())
	c := New(cs, f, m, testConfig())
	return c, ls, cs
}

func ident(uid, name string) store.Identity {
	return store.Identity{UserID: uid, Username: name, DisplayName: name, ShareCode: "c-" + uid}
}

func rec(uid string, lat float64) store.Record {
	return store.Record{UserID: uid, Latitude: lat, Longitude: 106.8272, Accuracy: 20, RecordedAt: time.Now()}
}

func waitFor(t *testing.T, c *Controller, what string, cond func(*Snapshot) bool) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap != nil && cond(snap) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, snapshot: %+v", what, c.Snapshot())
	return nil
}

func has(snap *Snapshot, uid string) bool {
	for _, e := range snap.Users {
		if e.UserID == uid {
			return true
		}
	}
	return false
}

func TestStartLoadsExisting(t *testing.T) {
	c, ls, _ := newHarness(t)
	ls.AddUser(ident("u1", "alice"))
	if err := ls.Upsert(context.Background(), rec("u1", -6.2088)); err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background())
	defer c.Stop()

	snap := c.Snapshot()
	if snap == nil || len(snap.Users) != 1 || snap.Users[0].Username != "alice" {
		t.Fatalf("initial snapshot: %+v", snap)
	}
	if snap.Gen == 0 || snap.SyncedAt.IsZero() {
		t.Fatalf("snapshot metadata: %+v", snap)
	}
}

func TestInsertAddsEntry(t *testing.T) {
	c, ls, _ := newHarness(t)
	c.Start(context.Background())
	defer c.Stop()

	ls.AddUser(ident("u1", "alice"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))

	snap := waitFor(t, c, "u1 to appear", func(s *Snapshot) bool { return has(s, "u1") })
	if len(snap.Users) != 1 || !snap.Users[0].Loc.Active || snap.Users[0].ShareCode != "c-u1" {
		t.Fatalf("entry after insert: %+v", snap.Users)
	}
}

func TestOfflineFlipsEntryInPlace(t *testing.T) {
	c, ls, cs := newHarness(t)
	ls.AddUser(ident("u1", "alice"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))
	c.Start(context.Background())
	defer c.Stop()
	before := cs.count()

	ok, err := ls.MarkOffline(context.Background(), "u1", time.Now())
	if !ok || err != nil {
		t.Fatalf("MarkOffline: %v %v", ok, err)
	}

	snap := waitFor(t, c, "u1 to go inactive", func(s *Snapshot) bool {
		return has(s, "u1") && !s.Users[0].Loc.Active
	})
	if len(snap.Users) != 1 {
		t.Fatalf("offline removed the entry: %+v", snap.Users)
	}
	if cs.count() != before {
		t.Fatalf("offline flip caused a resync, fetches %d -> %d", before, cs.count())
	}
}

func TestDeleteResyncsExactlyOnce(t *testing.T) {
	c, ls, cs := newHarness(t)
	ls.AddUser(ident("u1", "alice"))
	ls.AddUser(ident("u2", "bob"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))
	_ = ls.Upsert(context.Background(), rec("u2", -6.2100))
	c.Start(context.Background())
	defer c.Stop()
	before := cs.count()

	if err := ls.Delete(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}

	snap := waitFor(t, c, "u1 to disappear", func(s *Snapshot) bool {
		return !has(s, "u1") && has(s, "u2")
	})
	if len(snap.Users) != 1 {
		t.Fatalf("roster after delete: %+v", snap.Users)
	}
	// the delete batch escalates to one wholesale refresh, not more
	if got := cs.count(); got != before+1 {
		t.Fatalf("delete caused %d resyncs", got-before)
	}
}

func TestUnknownUserEscalatesToResync(t *testing.T) {
	c, ls, cs := newHarness(t)
	ls.AddUser(ident("u1", "alice"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))
	c.Start(context.Background())
	defer c.Stop()
	before := cs.count()
	gen := c.Snapshot().Gen

	// a row for a user the store has no identity for
	_ = ls.Upsert(context.Background(), rec("ghost", -6.3000))

	waitFor(t, c, "resync after unknown identity", func(s *Snapshot) bool {
		return s.Gen > gen
	})
	snap := c.Snapshot()
	if has(snap, "ghost") {
		t.Fatalf("partial entry admitted: %+v", snap.Users)
	}
	if !has(snap, "u1") {
		t.Fatalf("known user lost: %+v", snap.Users)
	}
	if got := cs.count(); got != before+1 {
		t.Fatalf("unknown identity caused %d resyncs", got-before)
	}
}

func TestWatcherLagsToLatest(t *testing.T) {
	c, ls, _ := newHarness(t)
	ls.AddUser(ident("u1", "alice"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))
	c.Start(context.Background())
	defer c.Stop()

	ch := c.Watch()
	defer c.Unwatch(ch)

	// more commits than the subscription buffer holds, never consuming
	lat := -6.2088
	for i := 0; i < 6; i++ {
		gen := c.Snapshot().Gen
		lat += 0.01
		_ = ls.Upsert(context.Background(), rec("u1", lat))
		waitFor(t, c, "commit", func(s *Snapshot) bool { return s.Gen > gen })
	}

	// let the last push land, then drain the whole backlog
	time.Sleep(50 * time.Millisecond)
	var got []*Snapshot
drain:
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				break drain
			}
			got = append(got, snap)
		default:
			break drain
		}
	}
	if len(got) == 0 || len(got) > 4 {
		t.Fatalf("lagging watcher held %d snapshots", len(got))
	}
	if last := got[len(got)-1]; last.Gen != c.Snapshot().Gen {
		t.Fatalf("lagging watcher ended on gen %d, latest is %d", last.Gen, c.Snapshot().Gen)
	}
}

func TestStopClosesWatchers(t *testing.T) {
	c, ls, _ := newHarness(t)
	ls.AddUser(ident("u1", "alice"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))
	c.Start(context.Background())

	ch := c.Watch()
	c.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watcher channel not closed by Stop")
		}
	}
}

// flakyStore fails FetchActive a fixed number of times before recovering.
type flakyStore struct {
	store.LocationStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) FetchActive(ctx context.Context) ([]store.ActiveUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	return f.LocationStore.FetchActive(ctx)
}

func TestInitialLoadFailureRecovers(t *testing.T) {
	f, err := feed.New("test", 1)
	if err != nil {
		t.Fatal(err)
	}
	ls := logstore.NewStore(f)
	ls.AddUser(ident("u1", "alice"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))
	fs := &flakyStore{LocationStore: ls, failures: 2}
	m := monitoring.New(prometheus.NewRegistry())
	c := New(fs, f, m, testConfig())

	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, c, "recovery after failed loads", func(s *Snapshot) bool {
		return len(s.Users) == 1
	})
}

func TestManualResync(t *testing.T) {
	c, ls, cs := newHarness(t)
	ls.AddUser(ident("u1", "alice"))
	_ = ls.Upsert(context.Background(), rec("u1", -6.2088))
	c.Start(context.Background())
	defer c.Stop()
	before := cs.count()
	gen := c.Snapshot().Gen

	c.RequestResync(TriggerManual)

	waitFor(t, c, "manual resync", func(s *Snapshot) bool { return s.Gen > gen })
	if got := cs.count(); got != before+1 {
		t.Fatalf("manual request caused %d resyncs", got-before)
	}
}
