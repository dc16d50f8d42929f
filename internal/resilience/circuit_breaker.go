package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// ErrCircuitOpen is returned when a tier/backend breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// ErrBreakerTimeout is returned when a guarded operation exceeds its
// per-call timeout.
var ErrBreakerTimeout = errors.New("resilience: operation timeout")

// CircuitBreaker is an adaptive consecutive-failure + EMA-latency breaker,
// adapted from the teacher's api-gateway circuit breaker. Used to demote an
// Intelligent Router tier or an Escalation Resolver backend into a
// cool-down period instead of retrying it every request.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures      int
	timeout          time.Duration
	cooldownDuration time.Duration
	halfOpenRequests int

	state            cbState
	failures         int
	successes        int
	lastStateChange  time.Time
	halfOpenAttempts int

	avgLatency float64
	emaAlpha   float64
}

// NewCircuitBreaker builds a breaker that opens after maxFailures
// consecutive failures and stays open for cooldown before probing again.
func NewCircuitBreaker(maxFailures int, timeout, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		timeout:          timeout,
		cooldownDuration: cooldown,
		halfOpenRequests: 3,
		state:            cbClosed,
		emaAlpha:         0.2,
		avgLatency:       100.0,
	}
}

// Execute runs op under circuit-breaker and timeout protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	switch cb.state {
	case cbOpen:
		if time.Since(cb.lastStateChange) > cb.cooldownDuration {
			cb.transitionTo(cbHalfOpen)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case cbHalfOpen:
		if cb.halfOpenAttempts >= cb.halfOpenRequests {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenAttempts++
	}
	cb.mu.Unlock()

	start := time.Now()
	errCh := make(chan error, 1)
	opCtx, cancel := context.WithTimeout(ctx, cb.timeout)
	defer cancel()

	go func() {
		errCh <- op(opCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-opCtx.Done():
		err = ErrBreakerTimeout
	}

	latency := float64(time.Since(start).Milliseconds())

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.avgLatency = cb.emaAlpha*latency + (1-cb.emaAlpha)*cb.avgLatency

	if err != nil {
		cb.recordFailureLocked(latency)
	} else {
		cb.recordSuccessLocked()
	}
	return err
}

// Healthy reports whether the breaker currently permits requests, without
// running an operation. Used by the router to skip a tier without a probe.
func (cb *CircuitBreaker) Healthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == cbOpen && time.Since(cb.lastStateChange) > cb.cooldownDuration {
		return true // eligible for a half-open probe
	}
	return cb.state != cbOpen
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	cb.successes++
	cb.failures = 0
	if cb.state == cbHalfOpen && cb.successes >= cb.halfOpenRequests {
		cb.transitionTo(cbClosed)
	}
}

func (cb *CircuitBreaker) recordFailureLocked(latency float64) {
	cb.failures++
	cb.successes = 0

	slowThreshold := cb.avgLatency * 3.0
	isSlow := latency > slowThreshold

	if cb.failures >= cb.maxFailures || (isSlow && cb.failures >= cb.maxFailures/2) {
		cb.transitionTo(cbOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState cbState) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.halfOpenAttempts = 0
	switch newState {
	case cbClosed:
		cb.failures = 0
		cb.successes = 0
	case cbOpen:
		cb.successes = 0
	case cbHalfOpen:
		cb.successes = 0
		cb.failures = 0
	}
}

// Pool manages one CircuitBreaker per named tier/backend.
type Pool struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   PoolConfig
}

// PoolConfig is the shared configuration for breakers minted by a Pool.
type PoolConfig struct {
	MaxFailures int
	Timeout     time.Duration
	Cooldown    time.Duration
}

// NewPool creates a breaker pool with default config.
func NewPool(config PoolConfig) *Pool {
	return &Pool{breakers: make(map[string]*CircuitBreaker), config: config}
}

// Get returns or lazily creates the breaker for name.
func (p *Pool) Get(name string) *CircuitBreaker {
	p.mu.RLock()
	cb, ok := p.breakers[name]
	p.mu.RUnlock()
	if ok {
		return cb
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(p.config.MaxFailures, p.config.Timeout, p.config.Cooldown)
	p.breakers[name] = cb
	return cb
}
