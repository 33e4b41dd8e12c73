package httpx

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// BreakerConfig tunes the per-destination circuit breakers of a Proxy.
type BreakerConfig struct {
	// TripAfter consecutive failures open the breaker. Zero disables
	// breaking.
	TripAfter uint32 `config:"trip_after"`
	// OpenTimeout is how long an open breaker rejects before half opening.
	OpenTimeout time.Duration `config:"open_timeout"`
	// HalfOpenRequests may pass while half open.
	HalfOpenRequests uint32 `config:"half_open_requests"`
	// Interval clears the closed-state counts. Zero never clears them.
	Interval time.Duration `config:"interval"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		TripAfter:        5,
		OpenTimeout:      10 * time.Second,
		HalfOpenRequests: 1,
	}
}

// errBreakerOpen is what a rejected destination reports.
var errBreakerOpen = errors.New("httpx: destination circuit open")

// breakers holds one two-step breaker per destination. Breakers are shared
// by every reactor of a proxy.
type breakers struct {
	cfg    BreakerConfig
	logger obs.Logger

	mu sync.Mutex
	m  map[socket.Address]*gobreaker.TwoStepCircuitBreaker
}

func newBreakers(cfg BreakerConfig, logger obs.Logger) *breakers {
	return &breakers{cfg: cfg, logger: logger, m: make(map[socket.Address]*gobreaker.TwoStepCircuitBreaker)}
}

func (b *breakers) get(dest socket.Address) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[dest]
	if ok {
		return cb
	}
	trip := b.cfg.TripAfter
	cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        dest.String(),
		MaxRequests: b.cfg.HalfOpenRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				b.logger.Logf(obs.Error, "breaker %s: circuit has been opened", name)
			case gobreaker.StateHalfOpen:
				b.logger.Logf(obs.Warn, "breaker %s: circuit is half open, letting %d requests through", name, b.cfg.HalfOpenRequests)
			case gobreaker.StateClosed:
				b.logger.Logf(obs.Info, "breaker %s: circuit has been closed", name)
			}
		},
	})
	b.m[dest] = cb
	return cb
}

// allow admits one request to dest. done must be called exactly once with
// the outcome.
func (b *breakers) allow(dest socket.Address) (func(ok bool), error) {
	if b == nil || b.cfg.TripAfter == 0 {
		return func(bool) {}, nil
	}
	done, err := b.get(dest).Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errBreakerOpen
		}
		return nil, err
	}
	return done, nil
}

// state reports the breaker state for dest, closed when none exists yet.
func (b *breakers) state(dest socket.Address) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.m[dest]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
