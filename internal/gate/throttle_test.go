package gate

import (
	"testing"
	"time"
)

func TestThrottleInterval(t *testing.T) {
	tr := newThrottle(5*time.Second, time.Hour)
	t0 := time.Now()

	if !tr.allowAt(t0, "u1", false) {
		t.Error("first write rejected")
	}
	if tr.allowAt(t0.Add(3*time.Second), "u1", false) {
		t.Error("write 3s after previous allowed")
	}
	if !tr.allowAt(t0.Add(5*time.Second), "u1", false) {
		t.Error("write after full interval rejected")
	}
}

func TestThrottlePerUser(t *testing.T) {
	tr := newThrottle(5*time.Second, time.Hour)
	t0 := time.Now()

	if !tr.allowAt(t0, "u1", false) {
		t.Error("u1 first write rejected")
	}
	if !tr.allowAt(t0, "u2", false) {
		t.Error("u2 first write rejected, limiter not per user")
	}
}

func TestThrottleForce(t *testing.T) {
	tr := newThrottle(5*time.Second, time.Hour)
	t0 := time.Now()

	tr.allowAt(t0, "u1", false)
	if !tr.allowAt(t0.Add(time.Second), "u1", true) {
		t.Error("forced write inside window rejected")
	}
	// forced write restarted the window
	if tr.allowAt(t0.Add(2*time.Second), "u1", false) {
		t.Error("non-forced write allowed right after forced write")
	}
}

func TestThrottleForceDebtCapped(t *testing.T) {
	tr := newThrottle(5*time.Second, time.Hour)
	t0 := time.Now()

	for i := 0; i < 4; i++ {
		if !tr.allowAt(t0.Add(time.Duration(i)*time.Second), "u1", true) {
			t.Errorf("forced write %d rejected", i)
		}
	}
	// debt never exceeds one interval, so two intervals after the last
	// forced write a normal write must pass again
	if !tr.allowAt(t0.Add(13*time.Second), "u1", false) {
		t.Error("non-forced write still blocked two intervals after forced burst")
	}
}

func TestThrottlePrune(t *testing.T) {
	tr := newThrottle(5*time.Second, time.Minute)
	t0 := time.Now()

	tr.allowAt(t0, "u1", false)
	tr.allowAt(t0.Add(30*time.Second), "u2", false)
	n := tr.prune(t0.Add(70 * time.Second))
	if n != 1 || tr.size() != 1 {
		t.Errorf("prune removed %d entries, %d left, want 1 and 1", n, tr.size())
	}
	// u2 was touched recently and must keep its window
	if tr.allowAt(t0.Add(32*time.Second), "u2", false) {
		t.Error("u2 window lost after prune")
	}
}
