// Package source provides the retrieval clients for post data and the shared
// failure taxonomy they classify errors into.
package source

import (
	"errors"
	"fmt"

	"github.com/jonathan/postpulse/internal/post"
)

// FailureKind classifies a fetch failure so the circuit breaker and
// orchestrator can react uniformly regardless of which source produced it.
type FailureKind string

const (
	// KindTransient covers network errors, timeouts and generic 5xx responses.
	KindTransient FailureKind = "transient"
	// KindRateLimited means the upstream throttled the request (429).
	KindRateLimited FailureKind = "rate_limited"
	// KindQuotaExceeded means the upstream reported a hard usage cap, distinct
	// from ordinary rate limiting.
	KindQuotaExceeded FailureKind = "quota_exceeded"
	// KindAuthFailure means credentials were rejected (401/403).
	KindAuthFailure FailureKind = "auth_failure"
	// KindNotFound means the post does not exist or is inaccessible. A fact
	// about the post, not about the source's health.
	KindNotFound FailureKind = "not_found"
	// KindContentRejected means the post exists but fails a content predicate.
	KindContentRejected FailureKind = "content_rejected"
)

// Terminal reports whether a failure kind is about the post itself rather
// than the source, so trying further sources would be pointless.
func (k FailureKind) Terminal() bool {
	return k == KindNotFound || k == KindContentRejected
}

// Retryable reports whether a later attempt against the same source could
// plausibly succeed without external intervention.
func (k FailureKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Failure is the typed error every source client returns on a failed fetch.
type Failure struct {
	Source post.Source
	Kind   FailureKind
	Detail string
	Cause  error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", f.Source, f.Kind, f.Detail, f.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", f.Source, f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// NewFailure builds a Failure for the given source and kind.
func NewFailure(src post.Source, kind FailureKind, detail string, cause error) *Failure {
	return &Failure{Source: src, Kind: kind, Detail: detail, Cause: cause}
}

// AsFailure extracts a *Failure from an error chain. Errors that are not
// typed failures are treated as transient, so an unexpected error from a
// client still counts against its source's breaker.
func AsFailure(src post.Source, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Source: src, Kind: KindTransient, Detail: "unclassified error", Cause: err}
}
