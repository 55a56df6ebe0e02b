// Package capture turns a noisy stream of per-tick quality checks into a single
// committed capture or a timeout.
//
// A Registry owns every in-progress Session and guarantees at most one session
// per identity. Sessions move IDLE -> ACCUMULATING -> STABLE | EXPIRED. A
// terminal session keeps blocking new scans for its identity until the caller
// consumes it.
package capture

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State of a capture session.
type State int

const (
	Idle State = iota
	Accumulating
	Stable
	Expired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Stable:
		return "stable"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further ticks are accepted.
func (s State) Terminal() bool {
	return s == Stable || s == Expired
}

var (
	// ErrSessionActive is returned when an identity already has a session that was not consumed.
	ErrSessionActive = errors.New("capture already in progress for identity")
	// ErrNoSession is returned when ticking or consuming an identity without a session.
	ErrNoSession = errors.New("no capture session for identity")
	// ErrSessionClosed is returned when ticking a session that already reached a terminal state.
	ErrSessionClosed = errors.New("capture session already finished")
)

// Checks is one tick's result per named quality check.
type Checks map[string]bool

// AllPass reports whether every check passed. An empty set never passes.
func (c Checks) AllPass() bool {
	if len(c) == 0 {
		return false
	}
	for _, ok := range c {
		if !ok {
			return false
		}
	}
	return true
}

// Failing lists the names of failed checks in sorted order.
func (c Checks) Failing() []string {
	var out []string
	for name, ok := range c {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Config holds the tracker thresholds.
type Config struct {
	// StabilityThreshold is the contiguous all-pass duration required to capture.
	StabilityThreshold time.Duration
	// SessionTimeout bounds the whole session.
	SessionTimeout time.Duration
}

// DefaultConfig returns the 3s stability / 15s timeout thresholds.
func DefaultConfig() Config {
	return Config{
		StabilityThreshold: 3 * time.Second,
		SessionTimeout:     15 * time.Second,
	}
}

func (c Config) validate() error {
	if c.StabilityThreshold <= 0 {
		return fmt.Errorf("StabilityThreshold must be positive, got %v", c.StabilityThreshold)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SessionTimeout must be positive, got %v", c.SessionTimeout)
	}
	return nil
}

// Tick is one logged evaluation.
type Tick struct {
	At     time.Time
	Checks Checks
}

// EventKind distinguishes the two terminal outcomes.
type EventKind string

const (
	Captured EventKind = "captured"
	TimedOut EventKind = "timed_out"
)

// Event is emitted exactly once, when a session reaches a terminal state.
type Event struct {
	Kind      EventKind
	Identity  string
	StartedAt time.Time
	At        time.Time
	// Artifact is the reference supplied with the tick that reached stability.
	// Empty for timeouts.
	Artifact string
	Ticks    int
}

// Result is the outcome of a single tick.
type Result struct {
	State State
	// Stable is the current contiguous all-pass duration.
	Stable time.Duration
	// Event is set only on the tick that made the session terminal.
	Event *Event
}

// Session is the ephemeral per-identity capture state. It is only touched
// while the owning Registry's lock is held.
type Session struct {
	identity  string
	state     State
	startedAt time.Time
	deadline  time.Time
	passSince time.Time
	passing   bool
	ticks     []Tick
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	Identity  string
	State     State
	StartedAt time.Time
	Deadline  time.Time
	Ticks     int
}

// Registry tracks all capture sessions of one device.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Registry{cfg: cfg, sessions: make(map[string]*Session)}, nil
}

// Config returns the registry thresholds.
func (r *Registry) Config() Config {
	return r.cfg
}

// Begin reserves a session for identity in the IDLE state.
func (r *Registry) Begin(identity string) error {
	if identity == "" {
		return errors.New("identity required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[identity]; ok {
		return fmt.Errorf("%w: %s is %s", ErrSessionActive, identity, s.state)
	}
	r.sessions[identity] = &Session{identity: identity, state: Idle}
	return nil
}

// Tick feeds one evaluation for identity. The first tick moves the session
// to ACCUMULATING and starts the session clock; it is evaluated like any other.
// artifact is the frame reference captured at this tick.
func (r *Registry) Tick(identity string, now time.Time, checks Checks, artifact string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[identity]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSession, identity)
	}
	if s.state.Terminal() {
		return Result{State: s.state}, fmt.Errorf("%w: %s is %s", ErrSessionClosed, identity, s.state)
	}

	if s.state == Idle {
		s.state = Accumulating
		s.startedAt = now
		s.deadline = now.Add(r.cfg.SessionTimeout)
	}
	s.ticks = append(s.ticks, Tick{At: now, Checks: checks})

	if checks.AllPass() {
		if !s.passing {
			s.passing = true
			s.passSince = now
		}
	} else {
		s.passing = false
	}

	var stable time.Duration
	if s.passing {
		stable = now.Sub(s.passSince)
	}

	switch {
	case s.passing && stable >= r.cfg.StabilityThreshold:
		s.state = Stable
		return Result{State: Stable, Stable: stable, Event: &Event{
			Kind:      Captured,
			Identity:  identity,
			StartedAt: s.startedAt,
			At:        now,
			Artifact:  artifact,
			Ticks:     len(s.ticks),
		}}, nil
	case now.Sub(s.startedAt) > r.cfg.SessionTimeout:
		s.state = Expired
		return Result{State: Expired, Event: &Event{
			Kind:      TimedOut,
			Identity:  identity,
			StartedAt: s.startedAt,
			At:        now,
			Ticks:     len(s.ticks),
		}}, nil
	}
	return Result{State: Accumulating, Stable: stable}, nil
}

// Consume releases a terminal session so the identity may scan again.
func (r *Registry) Consume(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, identity)
	}
	if !s.state.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionActive, identity, s.state)
	}
	delete(r.sessions, identity)
	return nil
}

// Cancel drops the session for identity in any state. It reports whether one existed.
func (r *Registry) Cancel(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[identity]
	delete(r.sessions, identity)
	return ok
}

// Get returns a snapshot of the session for identity.
func (r *Registry) Get(identity string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[identity]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Active lists every session not yet consumed.
func (r *Registry) Active() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Identity:  s.identity,
		State:     s.state,
		StartedAt: s.startedAt,
		Deadline:  s.deadline,
		Ticks:     len(s.ticks),
	}
}
