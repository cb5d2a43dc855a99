package ehr

import (
	"sync"
	"time"

	"github.com/rendis/karflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-server circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed requests before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial request is allowed.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// Breakers tracks one circuit per record-system base URL, so a server that
// keeps failing is not hammered by every run's queries.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry with the given config.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.FailureThreshold <= 0 {
		config = DefaultBreakerConfig()
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if a request to server may proceed, or a QUERY_FAILED
// error while the circuit is open.
func (r *Breakers) Allow(server string) error {
	b := r.get(server)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if r.now().Sub(b.lastFailureTime) >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeQueryFailed,
			"circuit open for %s after %d consecutive failures", server, b.consecutiveFailures).
			WithDetails(map[string]any{
				"server":             server,
				"state":              b.state.String(),
				"cooldown_remaining": (r.config.Cooldown - r.now().Sub(b.lastFailureTime)).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeQueryFailed, "circuit half-open for %s: trial request in flight", server)
		}
		b.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for server.
func (r *Breakers) RecordSuccess(server string) {
	b := r.get(server)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (r *Breakers) RecordFailure(server string) CircuitState {
	b := r.get(server)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = r.now()
	if b.state == CircuitHalfOpen || b.consecutiveFailures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state of server's circuit.
func (r *Breakers) State(server string) CircuitState {
	b := r.get(server)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailureTime) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (r *Breakers) get(server string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[server]
	if !ok {
		b = &breaker{}
		r.breakers[server] = b
	}
	return b
}
