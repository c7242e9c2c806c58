// Package resolver sequences post fetch attempts across sources: cache
// first, then each source in priority order, gated by the circuit breaker
// and the rate tracker, returning the first success or an aggregate failure.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jonathan/postpulse/internal/breaker"
	"github.com/jonathan/postpulse/internal/cache"
	"github.com/jonathan/postpulse/internal/post"
	"github.com/jonathan/postpulse/internal/ratelimit"
	"github.com/jonathan/postpulse/internal/source"
)

// Default TTLs for cached records. Short: engagement counts go stale quickly.
const (
	DefaultCacheTTL = 5 * time.Minute
	// DefaultDegradedCacheTTL applies to records whose engagement counts are
	// unavailable (embed source); they age out faster so a fuller source can
	// replace them sooner.
	DefaultDegradedCacheTTL = 1 * time.Minute
)

// DefaultSourceTimeout bounds one source attempt when no per-source timeout
// is configured.
const DefaultSourceTimeout = 8 * time.Second

// Config controls orchestration behavior.
type Config struct {
	CacheTTL         time.Duration
	DegradedCacheTTL time.Duration
	// SourceTimeouts bounds each source's attempt; missing entries use
	// DefaultSourceTimeout.
	SourceTimeouts map[post.Source]time.Duration
	Verbose        bool
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.DegradedCacheTTL <= 0 {
		c.DegradedCacheTTL = DefaultDegradedCacheTTL
	}
	return c
}

// Resolver is the fallback orchestrator. Clients are tried in slice order,
// which is fixed at construction; retries never happen inside a client.
type Resolver struct {
	clients  []source.Client
	cfg      Config
	cache    cache.Store
	breakers *breaker.Set
	tracker  *ratelimit.Tracker
}

// New creates a resolver over the given clients in priority order.
func New(clients []source.Client, store cache.Store, breakers *breaker.Set, tracker *ratelimit.Tracker, cfg Config) *Resolver {
	return &Resolver{
		clients:  clients,
		cfg:      cfg.withDefaults(),
		cache:    store,
		breakers: breakers,
		tracker:  tracker,
	}
}

// Attempt records how one source fared during a resolution, for the
// aggregate failure surfaced to callers.
type Attempt struct {
	Source  post.Source        `json:"source"`
	Skipped bool               `json:"skipped"`
	Reason  string             `json:"reason,omitempty"`
	Kind    source.FailureKind `json:"kind,omitempty"`
}

// ExhaustedError is returned when every source was skipped or failed. It
// preserves each source's specific outcome so callers can distinguish
// "content not found" from "temporarily unavailable".
type ExhaustedError struct {
	PostID   string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Skipped {
			parts = append(parts, fmt.Sprintf("%s skipped (%s)", a.Source, a.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed (%s)", a.Source, a.Kind))
		}
	}
	return fmt.Sprintf("all sources exhausted for post %s: %s", e.PostID, strings.Join(parts, "; "))
}

// Resolve returns the normalized record for ref, honoring the caller's
// context deadline. Source attempts for one post are strictly sequential in
// priority order; parallelizing would burn quota on sources whose results
// would be discarded.
func (r *Resolver) Resolve(ctx context.Context, ref post.Reference) (*post.Record, error) {
	if rec, ok := r.cacheGet(ctx, ref.ID); ok {
		return rec, nil
	}

	attempts := make([]Attempt, 0, len(r.clients))

	for _, client := range r.clients {
		src := client.Name()

		if err := ctx.Err(); err != nil {
			// Caller deadline hit mid-loop: abandon remaining sources.
			attempts = append(attempts, Attempt{
				Source: src, Skipped: true, Reason: "caller deadline exceeded",
			})
			continue
		}

		// Tracker before breaker: Allow on an open breaker checks out the
		// single half-open probe, and a skip after that point would strand it
		// with no OnSuccess/OnFailure to resolve it.
		if !r.tracker.CanAttempt(src) {
			r.logf("source %s skipped: rate window exhausted", src)
			attempts = append(attempts, Attempt{Source: src, Skipped: true, Reason: "rate limited upstream"})
			continue
		}
		if !r.breakers.Allow(src) {
			r.logf("source %s skipped: breaker open", src)
			attempts = append(attempts, Attempt{Source: src, Skipped: true, Reason: "breaker open"})
			continue
		}

		rec, err := r.attempt(ctx, client, ref)
		if err == nil {
			r.breakers.OnSuccess(src)
			r.cachePut(ctx, rec)
			return rec, nil
		}

		failure := source.AsFailure(src, err)
		r.breakers.OnFailure(src, failure.Kind)
		r.logf("source %s failed: %v", src, failure)

		if failure.Kind.Terminal() {
			// A definitive answer about the post itself; further sources
			// would waste calls.
			return nil, failure
		}

		attempts = append(attempts, Attempt{Source: src, Kind: failure.Kind})
	}

	return nil, &ExhaustedError{PostID: ref.ID, Attempts: attempts}
}

// attempt runs one client under its per-source timeout and records the
// network attempt with the rate tracker.
func (r *Resolver) attempt(ctx context.Context, client source.Client, ref post.Reference) (*post.Record, error) {
	timeout := r.cfg.SourceTimeouts[client.Name()]
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.tracker.RecordAttempt(client.Name())

	rec, err := client.Fetch(attemptCtx, ref)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, source.NewFailure(client.Name(), source.KindTransient, "attempt timed out", err)
		}
		return nil, err
	}
	return rec, nil
}

func (r *Resolver) cacheGet(ctx context.Context, postID string) (*post.Record, bool) {
	if r.cache == nil {
		return nil, false
	}
	rec, ok, err := r.cache.Get(ctx, postID)
	if err != nil {
		// A cache outage must not fail resolution.
		r.logf("cache get for %s failed: %v", postID, err)
		return nil, false
	}
	return rec, ok
}

func (r *Resolver) cachePut(ctx context.Context, rec *post.Record) {
	if r.cache == nil {
		return
	}
	ttl := r.cfg.CacheTTL
	if rec.Degraded {
		ttl = r.cfg.DegradedCacheTTL
	}
	if err := r.cache.Put(ctx, rec.ID, rec, ttl); err != nil {
		r.logf("cache put for %s failed: %v", rec.ID, err)
	}
}

func (r *Resolver) logf(format string, args ...any) {
	if r.cfg.Verbose {
		log.Printf("[RESOLVER] "+format, args...)
	}
}

// SourceHealth is the per-source view exposed to health endpoints.
type SourceHealth struct {
	Breaker       breaker.Snapshot `json:"breaker"`
	RateLimit     int              `json:"rate_limit,omitempty"`
	RateRemaining int              `json:"rate_remaining,omitempty"`
	RateReset     *time.Time       `json:"rate_reset,omitempty"`
	Attempts      int              `json:"attempts"`
}

// HealthSnapshot reports breaker state and rate windows for every configured
// source.
func (r *Resolver) HealthSnapshot() map[post.Source]SourceHealth {
	out := make(map[post.Source]SourceHealth, len(r.clients))
	for _, client := range r.clients {
		src := client.Name()
		health := SourceHealth{Breaker: r.breakers.Snapshot(src)}
		if w, observed := r.tracker.Snapshot(src); observed {
			health.RateLimit = w.Limit
			health.RateRemaining = w.Remaining
			reset := w.Reset
			health.RateReset = &reset
			health.Attempts = w.Attempts
		} else if w.Attempts > 0 {
			health.Attempts = w.Attempts
		}
		out[src] = health
	}
	return out
}
