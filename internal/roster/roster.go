// Package roster maintains the live list of actively sharing users. A
// single goroutine folds change events from the feed into the roster and
// falls back to a wholesale resync from the store whenever incremental
// patching cannot be trusted. Consumers only ever see immutable snapshots.
package roster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/feed"
	"github.com/Claydropdead/location-monitor-sub001/internal/monitoring"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
)

// resync triggers, used as metric label and in logs
const (
	TriggerInitial  = "initial"
	TriggerInterval = "interval"
	TriggerDeleted  = "deleted"
	TriggerFallback = "fallback"
	TriggerManual   = "manual"
)

type Entry struct {
	store.Identity
	Loc store.Record `json:"location"`
}

// Snapshot is an immutable roster state. SyncedAt is the time of the last
// full resync the snapshot is based on.
type Snapshot struct {
	Gen      uint64    `json:"gen"`
	SyncedAt time.Time `json:"synced_at"`
	Users    []Entry   `json:"users"`
}

type Config struct {
	// wall clock interval of the safety net resync
	ResyncInterval time.Duration
	// how long incoming changes are collected before being applied in one
	// batch
	Debounce time.Duration
	// delay before a failed resync or identity lookup is retried
	RetryDelay time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		ResyncInterval: 30 * time.Second,
		Debounce:       time.Second,
		RetryDelay:     2 * time.Second,
	}
}

type Controller struct {
	store   store.LocationStore
	feed    *feed.Feed
	config  *Config
	metrics *monitoring.Collector
	log     log.Logger

	mu       sync.Mutex
	snap     *Snapshot
	watchers map[chan *Snapshot]struct{}

	// owned by the run goroutine
	users    map[string]Entry
	gen      uint64
	lastSync time.Time

	changec chan feed.Change
	resyncc chan string
	stopc   chan struct{}
	donec   chan struct{}
}

func New(st store.LocationStore, f *feed.Feed, m *monitoring.Collector, config *Config) *Controller {
	o := &Controller{}
	o.store = st
	o.feed = f
	o.metrics = m
	o.config = config
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "roster").Value()
	o.users = make(map[string]Entry)
	o.watchers = make(map[chan *Snapshot]struct{})
	o.changec = make(chan feed.Change, 256)
	o.resyncc = make(chan string, 1)
	o.stopc = make(chan struct{})
	o.donec = make(chan struct{})
	return o
}

// Start loads the roster synchronously, so a populated snapshot exists
// before Start returns, then begins folding feed changes. A failed first
// load is retried in the background instead of blocking startup.
func (c *Controller) Start(ctx context.Context) {
	if !c.resync(ctx, TriggerInitial) {
		c.log.Warn().Msg("initial roster load failed, retrying in background")
		time.AfterFunc(c.config.RetryDelay, func() { c.RequestResync(TriggerFallback) })
	}
	c.feed.Subscribe("roster", c.onChange)
	go c.run(ctx)
}

// Stop ends the loop and clears all roster state. Watcher channels are
// closed.
func (c *Controller) Stop() {
	c.feed.Unsubscribe("roster")
	close(c.stopc)
	<-c.donec
	c.mu.Lock()
	c.snap = &Snapshot{}
	for ch := range c.watchers {
		close(ch)
	}
	c.watchers = make(map[chan *Snapshot]struct{})
	c.mu.Unlock()
}

// Snapshot returns the current roster. The returned value is never mutated
// afterwards, a later state is a new snapshot.
func (c *Controller) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Watch registers a snapshot subscription. The current snapshot is
// delivered immediately, slow consumers lose intermediate generations but
// always end up on the latest one.
func (c *Controller) Watch() chan *Snapshot {
	ch := make(chan *Snapshot, 4)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	snap := c.snap
	c.mu.Unlock()
	if snap != nil {
		ch <- snap
	}
	return ch
}

func (c *Controller) Unwatch(ch chan *Snapshot) {
	c.mu.Lock()
	delete(c.watchers, ch)
	c.mu.Unlock()
}

// RequestResync queues a full resync, used by the manual retry from the
// watch endpoint and as overflow fallback.
func (c *Controller) RequestResync(trigger string) {
	select {
	case c.resyncc <- trigger:
	default:
	}
}

// onChange runs on the publisher's goroutine and must never block. When
// the queue is full the controller gives up on incremental patching and
// schedules a wholesale resync.
func (c *Controller) onChange(ch feed.Change) {
	select {
	case c.changec <- ch:
	default:
		c.RequestResync(TriggerFallback)
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.donec)
	ticker := time.NewTicker(c.config.ResyncInterval)
	defer ticker.Stop()

	var pending []feed.Change
	var flush <-chan time.Time
	var retry <-chan time.Time

	doResync := func(trigger string) {
		if c.resync(ctx, trigger) {
			// the wholesale refresh supersedes everything queued
			pending = nil
			flush = nil
			retry = nil
		} else if retry == nil {
			retry = time.After(c.config.RetryDelay)
		}
	}

	for {
		select {
		case <-c.stopc:
			return
		case ch := <-c.changec:
			pending = append(pending, ch)
			if flush == nil {
				flush = time.After(c.config.Debounce)
			}
		case <-flush:
			flush = nil
			batch := pending
			pending = nil
			switch c.applyBatch(ctx, batch) {
			case applyOK:
			case applyResync:
				doResync(TriggerDeleted)
			case applyRetry:
				if retry == nil {
					retry = time.After(c.config.RetryDelay)
				}
			}
		case <-ticker.C:
			doResync(TriggerInterval)
		case trigger := <-c.resyncc:
			doResync(trigger)
		case <-retry:
			retry = nil
			doResync(TriggerFallback)
		}
	}
}

type applyResult int

const (
	applyOK applyResult = iota
	applyResync
	applyRetry
)

// applyBatch folds a debounced batch of changes into the roster. Updates
// for known users patch in place, an inactive row flips the entry instead
// of removing it. Unknown active users are admitted after an identity
// lookup. Any delete in the batch escalates to one full resync.
func (c *Controller) applyBatch(ctx context.Context, batch []feed.Change) applyResult {
	if len(batch) == 0 {
		return applyOK
	}
	for _, ch := range batch {
		if ch.Kind == feed.KindDeleted {
			c.log.Info().Str("user_id", ch.Row.UserID).Msg("delete on feed, resyncing")
			return applyResync
		}
	}

	next := make(map[string]Entry, len(c.users))
	for k, v := range c.users {
		next[k] = v
	}
	dirty := false
	for _, ch := range batch {
		uid := ch.Row.UserID
		if e, ok := next[uid]; ok {
			e.Loc = ch.Row
			next[uid] = e
			dirty = true
			continue
		}
		if !ch.Row.Active {
			// unknown and already offline, nothing to show
			continue
		}
		ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ident, err := c.store.FetchIdentity(ictx, uid)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", uid).Msg("identity lookup failed, scheduling resync")
			return applyRetry
		}
		if ident == nil {
			// the user vanished between the change and the lookup
			return applyResync
		}
		next[uid] = Entry{Identity: *ident, Loc: ch.Row}
		dirty = true
	}
	if dirty {
		c.users = next
		c.commit()
	}
	return applyOK
}

func (c *Controller) resync(ctx context.Context, trigger string) bool {
	c.metrics.RecordResync(trigger)
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	users, err := c.store.FetchActive(rctx)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("trigger", trigger).Msg("roster resync failed")
		return false
	}
	next := make(map[string]Entry, len(users))
	for _, au := range users {
		next[au.UserID] = Entry{Identity: au.Identity, Loc: au.Loc}
	}
	c.users = next
	c.lastSync = time.Now()
	c.commit()
	c.log.Debug().Str("trigger", trigger).Int("users", len(next)).Msg("roster synced")
	return true
}

// commit publishes the loop state as a fresh immutable snapshot.
func (c *Controller) commit() {
	c.gen++
	list := make([]Entry, 0, len(c.users))
	for _, e := range c.users {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	snap := &Snapshot{Gen: c.gen, SyncedAt: c.lastSync, Users: list}

	c.mu.Lock()
	c.snap = snap
	watchers := make([]chan *Snapshot, 0, len(c.watchers))
	for ch := range c.watchers {
		watchers = append(watchers, ch)
	}
	c.mu.Unlock()

	c.metrics.SetRoster(len(list), snap.Gen)
	for _, ch := range watchers {
		push(ch, snap)
	}
}

// push delivers without blocking, dropping the oldest pending snapshot
// when the consumer lags.
func push(ch chan *Snapshot, snap *Snapshot) {
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
