package sink

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

type BreakerRule struct {
	// MaxRequests is the number of probes let through while half-open.
	MaxRequests uint32
	// Interval is the closed-state counting window.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// Trip on either condition.
	TripConsecutiveFailures uint32
	TripFailureRate         float64
	TripMinRequests         uint32
}

func (r *BreakerRule) setDefaults() {
	if r.MaxRequests == 0 {
		r.MaxRequests = 1
	}
	if r.Interval <= 0 {
		r.Interval = 10 * time.Second
	}
	if r.Timeout <= 0 {
		r.Timeout = 3 * time.Second
	}
	if r.TripConsecutiveFailures == 0 && r.TripFailureRate == 0 {
		r.TripConsecutiveFailures = 5
	}
	if r.TripMinRequests == 0 {
		r.TripMinRequests = 20
	}
}

func newBreaker(name string, rule BreakerRule) *gobreaker.CircuitBreaker[struct{}] {
	rule.setDefaults()
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		// our own shutdown is not a broker failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

func isRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
