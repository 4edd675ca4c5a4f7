package position

import (
	"context"
	"time"

	"github.com/phuslu/log"
)

type SourceConfig struct {
	// maximum number of acquisition attempts per GetOnce call
	MaxAttempts int
	// accuracy below which GetOnce stops trying early
	GoodAccuracy float64
	// timeout for the first attempt, later attempts use NextTimeout
	FirstTimeout time.Duration
	NextTimeout  time.Duration
	// how often a service unavailable condition is retried before giving up
	ServiceRetries int
	// base retry delay, multiplied by the retry number
	ServiceBackoff time.Duration
}

func DefaultSourceConfig() *SourceConfig {
	return &SourceConfig{
		MaxAttempts:    3,
		GoodAccuracy:   20,
		FirstTimeout:   20 * time.Second,
		NextTimeout:    15 * time.Second,
		ServiceRetries: 2,
		ServiceBackoff: 2 * time.Second,
	}
}

// Source wraps a Provider with the acquisition strategy used by the agent:
// repeated attempts keeping the most accurate fix, retries on outages and
// automatic re-establishment of watch sessions.
type Source struct {
	provider Provider
	config   *SourceConfig
	log      log.Logger
}

func NewSource(provider Provider, config *SourceConfig) *Source {
	o := &Source{}
	o.provider = provider
	o.config = config
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "position").Value()
	return o
}

// GetOnce acquires a single fix. Up to MaxAttempts requests are made, the
// first with FirstTimeout and the rest with NextTimeout, stopping early once
// a fix better than GoodAccuracy arrives. If some attempts fail the best fix
// seen so far is still returned, an error only when no fix was obtained at
// all or permission was denied before the first fix.
func (s *Source) GetOnce(ctx context.Context) (Fix, error) {
	var best *Fix
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		timeout := s.config.NextTimeout
		if attempt == 1 {
			timeout = s.config.FirstTimeout
		}
		fix, err := s.requestRetry(ctx, Options{HighAccuracy: true, Timeout: timeout})
		if err != nil {
			lastErr = err
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("position attempt failed")
			if KindOf(err) == KindPermissionDenied || ctx.Err() != nil {
				break
			}
			continue
		}
		if best == nil || fix.Accuracy < best.Accuracy {
			f := fix
			best = &f
		}
		if fix.Accuracy < s.config.GoodAccuracy {
			break
		}
	}
	if best == nil {
		if lastErr == nil {
			lastErr = &Error{Kind: KindPositionUnavailable, Msg: "no position obtained"}
		}
		return Fix{}, lastErr
	}
	return *best, nil
}

// requestRetry performs one acquisition attempt, transparently retrying a
// service unavailable condition up to ServiceRetries times with a linearly
// growing delay.
func (s *Source) requestRetry(ctx context.Context, opts Options) (Fix, error) {
	for n := 0; ; n++ {
		fix, err := s.provider.Request(ctx, opts)
		if err == nil {
			return fix, nil
		}
		if KindOf(err) != KindServiceUnavailable || n >= s.config.ServiceRetries {
			return Fix{}, err
		}
		backoff := time.Duration(n+1) * s.config.ServiceBackoff
		s.log.Warn().Err(err).Int("retry", n+1).Dur("backoff", backoff).Msg("position service unavailable, retrying")
		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Watch streams fixes to cb until ctx is cancelled or a terminal error
// occurs. Transient errors (timeout, position unavailable) are passed to cb
// and the stream continues. A lost or unavailable service re-establishes the
// session up to ServiceRetries times, the budget resets whenever a fix
// arrives. Permission denied always terminates the watch.
func (s *Source) Watch(ctx context.Context, cb func(Result)) error {
	retries := 0
	for {
		ch, stop := s.provider.Watch(ctx, Options{HighAccuracy: true, Timeout: s.config.NextTimeout})
		err := s.drain(ctx, ch, cb, &retries)
		stop()
		if err == nil {
			err = &Error{Kind: KindServiceUnavailable, Msg: "position stream ended"}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if KindOf(err) == KindPermissionDenied {
			return err
		}
		if KindOf(err) == KindServiceUnavailable && retries < s.config.ServiceRetries {
			retries++
			backoff := time.Duration(retries) * s.config.ServiceBackoff
			s.log.Warn().Err(err).Int("retry", retries).Dur("backoff", backoff).Msg("position stream lost, re-establishing")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		return err
	}
}

func (s *Source) drain(ctx context.Context, ch <-chan Result, cb func(Result), retries *int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-ch:
			if !ok {
				return nil
			}
			if res.Err != nil {
				switch KindOf(res.Err) {
				case KindPermissionDenied, KindServiceUnavailable:
					return res.Err
				default:
					cb(res)
					continue
				}
			}
			*retries = 0
			cb(res)
		}
	}
}
