// Package breaker provides per-source circuit breakers for the fetch
// pipeline. Each source gets an independent closed/open/half-open state
// machine; how long an opened breaker stays open depends on the kind of
// failure that tripped it.
package breaker

import (
	"sync"
	"time"

	"github.com/jonathan/postpulse/internal/post"
	"github.com/jonathan/postpulse/internal/source"
)

// State is the circuit breaker state for one source.
type State string

const (
	// StateClosed means attempts pass through.
	StateClosed State = "closed"
	// StateOpen means attempts are short-circuited until cool-down elapses.
	StateOpen State = "open"
	// StateHalfOpen means exactly one probe attempt is allowed.
	StateHalfOpen State = "half_open"
)

// Config controls breaker behavior. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is how many consecutive counted failures open the
	// breaker.
	FailureThreshold int
	// Cooldown is the open interval after transient/rate-limited/auth
	// failures.
	Cooldown time.Duration
	// QuotaCooldown is the open interval after a hard usage-cap failure, and
	// the cap for re-open backoff growth. Conservatively long: caps reset on
	// the order of hours, not minutes.
	QuotaCooldown time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         10 * time.Minute,
		QuotaCooldown:    time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.QuotaCooldown <= 0 {
		c.QuotaCooldown = def.QuotaCooldown
	}
	return c
}

// Breaker is the state machine for one source. All reads and writes are
// serialized under one mutex; sources do not share breakers, so this never
// serializes across sources.
type Breaker struct {
	mu sync.Mutex

	cfg          Config
	state        State
	failureCount int
	lastFailure  time.Time
	// reopenAt is when an open breaker may transition to half-open.
	reopenAt time.Time
	// cooldown is the current open interval; doubles on each probe failure,
	// capped at QuotaCooldown.
	cooldown time.Duration
	// probing marks that the single half-open probe has been handed out.
	probing bool

	now func() time.Time
}

// New creates a closed breaker with the given configuration.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether an attempt may proceed. In the open state it returns
// false until cool-down elapses; the first Allow after that transitions to
// half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.reopenAt) {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		// The single probe is already out.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// OnSuccess records a successful attempt: the breaker closes and the failure
// count resets.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

// close resets the breaker to the closed state. Callers must hold b.mu.
func (b *Breaker) close() {
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
	b.cooldown = b.cfg.Cooldown
}

// OnFailure records a failed attempt of the given kind. Terminal kinds
// (not found, content rejected) are facts about the post, not the source,
// and never count against the breaker.
func (b *Breaker) OnFailure(kind source.FailureKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kind.Terminal() {
		// The source answered authoritatively about the post; that is a
		// healthy response. It resolves a pending probe but never counts.
		if b.state == StateHalfOpen {
			b.close()
		}
		return
	}

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		// Probe failed: re-open with backoff growth.
		b.cooldown = minDuration(b.cooldown*2, b.cfg.QuotaCooldown)
		b.open(b.cooldownFor(kind))
	case StateClosed:
		switch {
		case kind == source.KindQuotaExceeded:
			// A hard cap is definitive; no point counting to threshold.
			b.open(b.cfg.QuotaCooldown)
		case kind == source.KindAuthFailure:
			// Credentials are broken until fixed externally.
			b.open(b.cooldown)
		case b.failureCount >= b.cfg.FailureThreshold:
			b.open(b.cooldownFor(kind))
		}
	case StateOpen:
		// Already open; nothing to do.
	}
}

// open transitions to the open state with the given cool-down.
// Callers must hold b.mu.
func (b *Breaker) open(cooldown time.Duration) {
	b.state = StateOpen
	b.probing = false
	b.reopenAt = b.now().Add(cooldown)
}

// cooldownFor scales the open interval by failure severity. Callers must
// hold b.mu.
func (b *Breaker) cooldownFor(kind source.FailureKind) time.Duration {
	if kind == source.KindQuotaExceeded {
		return b.cfg.QuotaCooldown
	}
	return b.cooldown
}

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	ReopenAt     time.Time `json:"reopen_at,omitempty"`
}

// Snapshot returns the current breaker state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		LastFailure:  b.lastFailure,
		ReopenAt:     b.reopenAt,
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Set manages one breaker per source.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[post.Source]*Breaker
}

// NewSet creates a Set where every source gets a breaker with cfg.
func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		breakers: make(map[post.Source]*Breaker),
	}
}

// For returns the breaker for src, creating it closed on first use.
// Cold starts leave all breakers closed; breaker state is not persisted.
func (s *Set) For(src post.Source) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[src]
	if !ok {
		b = New(s.cfg)
		s.breakers[src] = b
	}
	return b
}

// Allow reports whether an attempt against src may proceed.
func (s *Set) Allow(src post.Source) bool { return s.For(src).Allow() }

// OnSuccess records a success for src.
func (s *Set) OnSuccess(src post.Source) { s.For(src).OnSuccess() }

// OnFailure records a classified failure for src.
func (s *Set) OnFailure(src post.Source, kind source.FailureKind) {
	s.For(src).OnFailure(kind)
}

// Snapshot returns the breaker snapshot for src.
func (s *Set) Snapshot(src post.Source) Snapshot { return s.For(src).Snapshot() }
