package dispatch

import (
	"sync"
	"time"

	"github.com/hookline/hookline/pkg/events"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerOptions tunes the per-service circuit breakers
type BreakerOptions struct {
	ConsecutiveFailures uint32        // trip after this many consecutive failures
	FailureRate         float64       // or when the window failure rate reaches this
	MinRequests         uint32        // minimum window requests before the rate applies
	CoolDown            time.Duration // open duration before half-open
	HalfOpenProbes      uint32        // probes allowed while half-open
}

func (o *BreakerOptions) applyDefaults() {
	if o.ConsecutiveFailures == 0 {
		o.ConsecutiveFailures = 10
	}
	if o.FailureRate == 0 {
		o.FailureRate = 0.5
	}
	if o.MinRequests == 0 {
		o.MinRequests = 20
	}
	if o.CoolDown == 0 {
		o.CoolDown = 5 * time.Minute
	}
	if o.HalfOpenProbes == 0 {
		o.HalfOpenProbes = 1
	}
}

// Breakers manages one circuit breaker per external service
type Breakers struct {
	opts   BreakerOptions
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates the breaker manager. bus may be nil.
func NewBreakers(opts BreakerOptions, bus *events.Bus) *Breakers {
	opts.applyDefaults()
	return &Breakers{
		opts:     opts,
		bus:      bus,
		logger:   log.WithComponent("breakers"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// For returns the breaker for a service, creating it on first use
func (b *Breakers) For(service string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[service]; ok {
		return cb
	}

	opts := b.opts
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: opts.HalfOpenProbes,
		Timeout:     opts.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Either condition trips: a run of consecutive failures, or a
			// window failure rate over threshold with enough samples
			if counts.ConsecutiveFailures >= opts.ConsecutiveFailures {
				return true
			}
			if counts.Requests >= opts.MinRequests {
				rate := float64(counts.TotalFailures) / float64(counts.Requests)
				return rate >= opts.FailureRate
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGauge(to))
			if b.bus != nil {
				b.bus.Publish(&events.Observation{
					Topic:   events.TopicBreakerChanged,
					Service: name,
					Detail:  from.String() + "->" + to.String(),
				})
			}
		},
	})
	b.breakers[service] = cb
	return cb
}

// State returns the current state name for a service breaker
func (b *Breakers) State(service string) string {
	return b.For(service).State().String()
}

// States lists the current state per known service
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.breakers))
	for name, cb := range b.breakers {
		out[name] = cb.State().String()
	}
	return out
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	}
	return 2
}
