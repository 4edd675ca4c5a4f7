package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// per user write limiter, one token per interval
type throttle struct {
	interval time.Duration
	expiry   time.Duration
	mu       sync.Mutex
	users    map[string]*userLimiter
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func newThrottle(interval, expiry time.Duration) *throttle {
	o := &throttle{}
	o.interval = interval
	o.expiry = expiry
	o.users = make(map[string]*userLimiter)
	return o
}

func (t *throttle) allowAt(now time.Time, uid string, force bool) bool {
	t.mu.Lock()
	ul, ok := t.users[uid]
	if !ok {
		ul = &userLimiter{lim: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.users[uid] = ul
	}
	ul.seen = now
	t.mu.Unlock()

	if ul.lim.AllowN(now, 1) {
		return true
	}
	if !force {
		return false
	}
	// forced writes pass unconditionally but still restart the window;
	// reservation debt is capped at one interval
	r := ul.lim.ReserveN(now, 1)
	if r.DelayFrom(now) > t.interval {
		r.CancelAt(now)
	}
	return true
}

func (t *throttle) prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for uid, ul := range t.users {
		if now.Sub(ul.seen) > t.expiry {
			delete(t.users, uid)
			n++
		}
	}
	return n
}

func (t *throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}
