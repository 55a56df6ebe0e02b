// Package breaker isolates failing remote endpoints. Each endpoint class gets
// its own Breaker so a dead artifact store does not block identity lookups.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"edgeattend/internal/remote"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen matches every rejection made without attempting the call.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned instead of calling a tripped endpoint.
type OpenError struct {
	Endpoint string
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Endpoint, e.RetryAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrOpen) hold.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig returns 5 failures / 60s recovery / 2 successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// IsFailure is the default classifier: remote rejections and caller
// cancellations do not count against the endpoint.
func IsFailure(err error) bool {
	if err == nil || remote.IsApplication(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithClassifier replaces IsFailure.
func WithClassifier(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateChange registers a callback run on every transition. It is called
// with the breaker lock held and must not call back into the breaker.
func WithStateChange(fn func(endpoint string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one endpoint class.
type Breaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	isFailure func(error) bool
	onChange  func(endpoint string, from, to State)

	mu         sync.Mutex
	state      State
	failures   int
	successes  int
	inFlight   int
	changedAt  time.Time
	generation uint64
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		isFailure: IsFailure,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.changedAt = b.now()
	return b
}

// Name is the endpoint class.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the breaker rejects it. fn's error is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(gen, err)
	return err
}

func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == Open {
		retryAt := b.changedAt.Add(b.cfg.RecoveryTimeout)
		if now.Before(retryAt) {
			return 0, &OpenError{Endpoint: b.name, RetryAt: retryAt}
		}
		b.setState(HalfOpen, now)
	}
	if b.state == HalfOpen {
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			return 0, &OpenError{Endpoint: b.name, RetryAt: now}
		}
		b.inFlight++
	}
	return b.generation, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// the state changed while the call was running
	if gen != b.generation {
		return
	}
	if b.state == HalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	now := b.now()
	if b.isFailure(err) {
		switch b.state {
		case Closed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.setState(Open, now)
			}
		case HalfOpen:
			b.setState(Open, now)
		}
		return
	}

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(Closed, now)
		}
	}
}

func (b *Breaker) setState(to State, now time.Time) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	b.changedAt = now
	b.generation++
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Endpoint  string    `json:"endpoint"`
	State     string    `json:"state"`
	Failures  int       `json:"consecutive_failures"`
	Successes int       `json:"consecutive_successes"`
	ChangedAt time.Time `json:"changed_at"`
}

// State returns the current mode. An open breaker past its recovery timeout
// still reports open until the next call moves it to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Endpoint:  b.name,
		State:     b.state.String(),
		Failures:  b.failures,
		Successes: b.successes,
		ChangedAt: b.changedAt,
	}
}
