package gate

import (
	"math"
	"time"

	"github.com/Claydropdead/location-monitor-sub001/internal/geo"
)

// decision reasons reported back to the client and counted in metrics
const (
	ReasonFirstFix    = "first_fix"
	ReasonMoved       = "moved"
	ReasonBetterFix   = "better_fix"
	ReasonLowAccuracy = "low_accuracy"
	ReasonJitter      = "jitter"
	ReasonThrottled   = "throttled"
)

// Sample is a single position fix as submitted by a reporter.
type Sample struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Time      time.Time
}

type Decision struct {
	Persist bool
	Reason  string
}

type Config struct {
	// fixes with accuracy above this are never persisted
	MaxAccuracy float64
	// minimum accuracy gain in meters that justifies a write without movement
	MinImprovement float64
	// minimum wall clock interval between non-forced writes per user
	WriteInterval time.Duration
	// throttle state for users idle longer than this is dropped by Prune
	IdleExpiry time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		MaxAccuracy:    100,
		MinImprovement: 10,
		WriteInterval:  5 * time.Second,
		IdleExpiry:     10 * time.Minute,
	}
}

// Gate decides which incoming samples are worth writing to the store.
// All decisions are made server side, the reporting clients just send
// whatever fixes they get.
type Gate struct {
	config   *Config
	throttle *throttle
}

func New(config *Config) *Gate {
	o := &Gate{}
	o.config = config
	o.throttle = newThrottle(config.WriteInterval, config.IdleExpiry)
	return o
}

// Threshold returns the minimum movement in meters that counts as real
// displacement rather than GPS jitter, given the accuracy of the candidate
// and the last persisted fix. Never below 10 meters.
func Threshold(candAcc, lastAcc float64) float64 {
	t := math.Min(candAcc, lastAcc) + 5
	if t < 10 {
		t = 10
	}
	return t
}

// Evaluate applies the accuracy and movement heuristics to a candidate
// sample. last is the currently persisted sample for the same user, nil if
// the user has no stored position yet. Evaluate does not consult the write
// throttle, callers combine it with Allow.
func (g *Gate) Evaluate(cand Sample, last *Sample) Decision {
	if cand.Accuracy > g.config.MaxAccuracy {
		return Decision{Persist: false, Reason: ReasonLowAccuracy}
	}
	if last == nil {
		return Decision{Persist: true, Reason: ReasonFirstFix}
	}
	dist := geo.Distance(last.Latitude, last.Longitude, cand.Latitude, cand.Longitude)
	if dist >= Threshold(cand.Accuracy, last.Accuracy) {
		return Decision{Persist: true, Reason: ReasonMoved}
	}
	if last.Accuracy-cand.Accuracy >= g.config.MinImprovement {
		return Decision{Persist: true, Reason: ReasonBetterFix}
	}
	return Decision{Persist: false, Reason: ReasonJitter}
}

// Allow consumes one write slot for uid. Non-forced writes are limited to
// one per WriteInterval, forced writes always pass and restart the window.
func (g *Gate) Allow(uid string, force bool) bool {
	return g.throttle.allowAt(time.Now(), uid, force)
}

// Prune drops throttle state of users not seen for IdleExpiry, returning
// the number of entries removed.
func (g *Gate) Prune() int {
	return g.throttle.prune(time.Now())
}
