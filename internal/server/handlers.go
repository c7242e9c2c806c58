package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/postpulse/internal/post"
	"github.com/jonathan/postpulse/internal/resolver"
	"github.com/jonathan/postpulse/internal/source"
)

// validate is shared across requests; the validator is safe for concurrent
// use and caches struct metadata.
var validate = validator.New()

// ResolveRequest is the payload for POST /posts/resolve and
// POST /posts/engagement.
type ResolveRequest struct {
	PostURL string `json:"post_url" validate:"required,min=1"`
}

// Validate validates the ResolveRequest using the validator.
func (r *ResolveRequest) Validate() error {
	return validate.Struct(r)
}

// EngagementResponse is the reduced view returned by /posts/engagement.
type EngagementResponse struct {
	PostID     string          `json:"post_id"`
	Engagement post.Engagement `json:"engagement"`
	Degraded   bool            `json:"degraded"`
	Source     post.Source     `json:"source"`
	Timestamp  time.Time       `json:"timestamp"`
}

// handleResolve resolves a post URL to its normalized record.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.parseReference(w, r)
	if !ok {
		return
	}

	rec, err := s.resolver.Resolve(r.Context(), ref)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, rec)
}

// handleEngagement returns only the engagement counts for a post.
func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.parseReference(w, r)
	if !ok {
		return
	}

	rec, err := s.resolver.Resolve(r.Context(), ref)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, EngagementResponse{
		PostID:     rec.ID,
		Engagement: rec.Engagement,
		Degraded:   rec.Degraded,
		Source:     rec.Source,
		Timestamp:  rec.FetchedAt,
	})
}

// handleHealth returns liveness plus the per-source breaker and rate state
// used by operational dashboards.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"sources":   s.resolver.HealthSnapshot(),
	})
}

// parseReference decodes, validates and parses the post URL from the request
// body, writing the error response itself on failure.
func (s *Server) parseReference(w http.ResponseWriter, r *http.Request) (post.Reference, bool) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return post.Reference{}, false
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "post_url is required")
		return post.Reference{}, false
	}

	ref, err := post.ParseReference(req.PostURL)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return post.Reference{}, false
	}
	return ref, true
}

// writeResolveError maps pipeline failures onto HTTP statuses. Terminal
// results get specific, actionable messages; everything else collapses to a
// generic retry-later message, never a raw upstream error body.
func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	var failure *source.Failure
	if errors.As(err, &failure) {
		switch failure.Kind {
		case source.KindNotFound:
			s.errorResponse(w, http.StatusNotFound, "Post not found or inaccessible")
			return
		case source.KindContentRejected:
			s.errorResponse(w, http.StatusUnprocessableEntity, "Post does not meet community content requirements")
			return
		}
	}

	var exhausted *resolver.ExhaustedError
	if errors.As(err, &exhausted) {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "Post data temporarily unavailable, try again later",
			"attempts": exhausted.Attempts,
		})
		return
	}

	s.errorResponse(w, http.StatusServiceUnavailable, "Post data temporarily unavailable, try again later")
}
