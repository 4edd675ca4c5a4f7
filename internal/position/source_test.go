package position

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scripted provider, one Result per Request call and one Result slice per
// Watch session
type fakeProvider struct {
	mu          sync.Mutex
	requests    []Options
	script      []Result
	watches     int
	watchScript [][]Result
	hold        bool
}

func (f *fakeProvider) Request(ctx context.Context, opts Options) (Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, opts)
	if len(f.script) == 0 {
		return Fix{}, &Error{Kind: KindTimeout, Msg: "script exhausted"}
	}
	r := f.script[0]
	f.script = f.script[1:]
	return r.Fix, r.Err
}

func (f *fakeProvider) Watch(ctx context.Context, opts Options) (<-chan Result, func()) {
	f.mu.Lock()
	var script []Result
	if f.watches < len(f.watchScript) {
		script = f.watchScript[f.watches]
	}
	f.watches++
	f.mu.Unlock()
	ch := make(chan Result, len(script)+1)
	for _, r := range script {
		ch <- r
	}
	if !f.hold {
		close(ch)
	}
	return ch, func() {}
}

func (f *fakeProvider) Permission(ctx context.Context) (string, error) {
	return "granted", nil
}

func (f *fakeProvider) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func testConfig() *SourceConfig {
	c := DefaultSourceConfig()
	c.FirstTimeout = 20 * time.Second
	c.NextTimeout = 15 * time.Second
	c.ServiceBackoff = time.Millisecond
	return c
}

func fix(acc float64) Result {
	return Result{Fix: Fix{Latitude: -6.2, Longitude: 106.8, Accuracy: acc, Time: time.Now()}}
}

func fail(kind ErrorKind) Result {
	return Result{Err: &Error{Kind: kind, Msg: "scripted"}}
}

func TestGetOnceEarlyStop(t *testing.T) {
	p := &fakeProvider{script: []Result{fix(12), fix(5)}}
	s := NewSource(p, testConfig())
	got, err := s.GetOnce(context.Background())
	if err != nil {
		t.Fatalf("GetOnce: %v", err)
	}
	if got.Accuracy != 12 {
		t.Errorf("accuracy = %v, want 12", got.Accuracy)
	}
	if p.requestCount() != 1 {
		t.Errorf("requests = %d, want 1 (early stop under good accuracy)", p.requestCount())
	}
	if p.requests[0].Timeout != 20*time.Second {
		t.Errorf("first attempt timeout = %v, want 20s", p.requests[0].Timeout)
	}
}

func TestGetOnceKeepsBestOfThree(t *testing.T) {
	p := &fakeProvider{script: []Result{fix(80), fix(45), fix(60)}}
	s := NewSource(p, testConfig())
	got, err := s.GetOnce(context.Background())
	if err != nil {
		t.Fatalf("GetOnce: %v", err)
	}
	if got.Accuracy != 45 {
		t.Errorf("accuracy = %v, want best seen 45", got.Accuracy)
	}
	if p.requestCount() != 3 {
		t.Errorf("requests = %d, want 3", p.requestCount())
	}
	if p.requests[1].Timeout != 15*time.Second {
		t.Errorf("second attempt timeout = %v, want 15s", p.requests[1].Timeout)
	}
}

func TestGetOnceFallsBackToBestSeen(t *testing.T) {
	p := &fakeProvider{script: []Result{fix(80), fail(KindTimeout), fail(KindPositionUnavailable)}}
	s := NewSource(p, testConfig())
	got, err := s.GetOnce(context.Background())
	if err != nil {
		t.Fatalf("GetOnce should use the fix from attempt 1: %v", err)
	}
	if got.Accuracy != 80 {
		t.Errorf("accuracy = %v, want 80", got.Accuracy)
	}
}

func TestGetOnceAllFailed(t *testing.T) {
	p := &fakeProvider{script: []Result{fail(KindTimeout), fail(KindTimeout), fail(KindPositionUnavailable)}}
	s := NewSource(p, testConfig())
	_, err := s.GetOnce(context.Background())
	if err == nil {
		t.Fatal("GetOnce returned no error with no fix obtained")
	}
	if KindOf(err) != KindPositionUnavailable {
		t.Errorf("error kind = %v, want position_unavailable from last attempt", KindOf(err))
	}
}

func TestGetOncePermissionDeniedAborts(t *testing.T) {
	p := &fakeProvider{script: []Result{fail(KindPermissionDenied), fix(5)}}
	s := NewSource(p, testConfig())
	_, err := s.GetOnce(context.Background())
	if KindOf(err) != KindPermissionDenied {
		t.Fatalf("error kind = %v, want permission_denied", KindOf(err))
	}
	if p.requestCount() != 1 {
		t.Errorf("requests = %d, want 1, no retry after permission denied", p.requestCount())
	}
}

func TestGetOnceRetriesServiceUnavailable(t *testing.T) {
	p := &fakeProvider{script: []Result{fail(KindServiceUnavailable), fix(30)}}
	c := testConfig()
	c.GoodAccuracy = 50
	s := NewSource(p, c)
	got, err := s.GetOnce(context.Background())
	if err != nil {
		t.Fatalf("GetOnce: %v", err)
	}
	if got.Accuracy != 30 {
		t.Errorf("accuracy = %v, want 30", got.Accuracy)
	}
	// the retry happens inside attempt one, not as a second attempt
	if p.requestCount() != 2 {
		t.Errorf("requests = %d, want 2", p.requestCount())
	}
	if p.requests[1].Timeout != 20*time.Second {
		t.Errorf("retry timeout = %v, want first attempt timeout kept", p.requests[1].Timeout)
	}
}

func TestFromCode(t *testing.T) {
	cases := []struct {
		code int
		want ErrorKind
	}{
		{1, KindPermissionDenied},
		{2, KindPositionUnavailable},
		{3, KindTimeout},
		{0, KindServiceUnavailable},
		{99, KindServiceUnavailable},
	}
	for _, c := range cases {
		if got := FromCode(c.code, "").Kind; got != c.want {
			t.Errorf("FromCode(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestWatchPermissionDeniedTerminates(t *testing.T) {
	p := &fakeProvider{watchScript: [][]Result{{fix(10), fail(KindPermissionDenied)}}}
	s := NewSource(p, testConfig())
	var fixes int
	err := s.Watch(context.Background(), func(r Result) {
		if r.Err == nil {
			fixes++
		}
	})
	if KindOf(err) != KindPermissionDenied {
		t.Fatalf("watch error = %v, want permission_denied", err)
	}
	if fixes != 1 {
		t.Errorf("fixes delivered = %d, want 1", fixes)
	}
	if p.watches != 1 {
		t.Errorf("watch sessions = %d, want 1, no re-establish after permission denied", p.watches)
	}
}

func TestWatchReestablishesOnOutage(t *testing.T) {
	// session one delivers fixes and a transient error then drops, the two
	// re-establish attempts come up empty
	p := &fakeProvider{watchScript: [][]Result{{fix(10), fail(KindTimeout), fix(8)}}}
	s := NewSource(p, testConfig())
	var fixes, transient int
	err := s.Watch(context.Background(), func(r Result) {
		if r.Err == nil {
			fixes++
		} else {
			transient++
		}
	})
	if KindOf(err) != KindServiceUnavailable {
		t.Fatalf("watch error = %v, want service_unavailable after retry budget", err)
	}
	if fixes != 2 || transient != 1 {
		t.Errorf("delivered %d fixes and %d transient errors, want 2 and 1", fixes, transient)
	}
	if p.watches != 3 {
		t.Errorf("watch sessions = %d, want 1 + 2 retries", p.watches)
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	p := &fakeProvider{hold: true, watchScript: [][]Result{{fix(10)}}}
	s := NewSource(p, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func(Result) {})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("watch error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
