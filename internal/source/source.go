package source

import (
	"context"
	"time"

	"github.com/jonathan/postpulse/internal/post"
)

// Client is the contract every retrieval strategy implements. A client builds
// one request, parses the response into a normalized record, and classifies
// any error into the shared failure taxonomy. Clients never retry; fallback
// decisions belong to the orchestrator.
type Client interface {
	// Name identifies the source for breaker and rate-tracker bookkeeping.
	Name() post.Source
	// Fetch retrieves one post. On error the returned error wraps a *Failure.
	Fetch(ctx context.Context, ref post.Reference) (*post.Record, error)
}

// RateInfo carries the upstream's own rate-limit metadata, parsed from
// response headers. Advisory only; absence of data is not an error.
type RateInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}
