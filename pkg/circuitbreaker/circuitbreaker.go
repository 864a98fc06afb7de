// Package circuitbreaker stops calling a failing collaborator for a while so
// that its outage does not pile up blocked requests in the engine.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coursehub/progress-engine/pkg/timeutil"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	// StateHalfOpen lets a few probe calls through after the cool-down.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned without calling the collaborator.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when every half-open probe slot is taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker settings.
type Config struct {
	Name string

	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int

	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int

	// CoolDown is how long the circuit stays open before probing.
	CoolDown time.Duration

	MaxHalfOpenRequests int

	OnStateChange func(name string, from, to State)

	// IsFailure filters which errors count. Nil counts every error, except
	// those returned after the caller's context ended.
	IsFailure func(error) bool

	Clock timeutil.Clock
}

// DefaultConfig returns five failures, a 30s cool-down and one probe.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		CoolDown:            30 * time.Second,
		MaxHalfOpenRequests: 1,
		Clock:               timeutil.SystemClock{},
	}
}

// Option configures a breaker.
type Option func(*Config)

func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SuccessThreshold = n
		}
	}
}

// WithTimeout sets the open-state cool-down.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CoolDown = d
		}
	}
}

func WithMaxHalfOpenRequests(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxHalfOpenRequests = n
		}
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) { c.OnStateChange = fn }
}

func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) { c.IsFailure = fn }
}

func WithClock(clock timeutil.Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// Snapshot describes a breaker at one instant, for health reporting.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	TotalFailures       int
	TotalRequests       int
	// RetryAt is when an open circuit starts probing. Zero unless open.
	RetryAt time.Time
}

// CircuitBreaker guards one collaborator.
type CircuitBreaker struct {
	config Config

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	probes        int
	consecFails   int
	consecSuccess int
	totalFails    int
	totalRequests int
}

// New creates a breaker from DefaultConfig and opts.
func New(name string, opts ...Option) *CircuitBreaker {
	config := DefaultConfig(name)
	for _, opt := range opts {
		opt(&config)
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Execute calls fn unless the circuit refuses, and records the outcome.
// fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(ctx, err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.config.Clock.Now().Sub(cb.openedAt) < cb.config.CoolDown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxHalfOpenRequests {
			return ErrTooManyRequests
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	failed := err != nil && ctx.Err() == nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	if !failed {
		cb.consecFails = 0
		cb.consecSuccess++
		if cb.state == StateHalfOpen && cb.consecSuccess >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
		return
	}

	cb.totalFails++
	cb.consecSuccess = 0
	cb.consecFails++
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case cb.state == StateClosed && cb.consecFails >= cb.config.FailureThreshold:
		cb.transition(StateOpen)
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.consecFails = 0
	cb.consecSuccess = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.config.Clock.Now()
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool   { return cb.State() == StateOpen }
func (cb *CircuitBreaker) IsClosed() bool { return cb.State() == StateClosed }

func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Snapshot returns the current state and counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Snapshot{
		Name:                cb.config.Name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecFails,
		TotalFailures:       cb.totalFails,
		TotalRequests:       cb.totalRequests,
	}
	if cb.state == StateOpen {
		s.RetryAt = cb.openedAt.Add(cb.config.CoolDown)
	}
	return s
}

// CatalogAPIBreaker guards the course catalog service.
func CatalogAPIBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New(
		"catalog-api",
		WithFailureThreshold(5),
		WithSuccessThreshold(2),
		WithTimeout(30*time.Second),
		WithOnStateChange(onStateChange),
	)
}

// PaymentGatewayBreaker guards payment verification. It trips sooner than
// the catalog breaker: every failed verification blocks an enrollment.
func PaymentGatewayBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New(
		"payment-gateway",
		WithFailureThreshold(3),
		WithSuccessThreshold(1),
		WithTimeout(20*time.Second),
		WithOnStateChange(onStateChange),
	)
}
