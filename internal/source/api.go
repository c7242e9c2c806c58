// Package source - api.go implements the structured API client, the highest
// priority retrieval strategy.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/postpulse/internal/post"
)

// DefaultAPIBaseURL is the production endpoint for the structured API.
const DefaultAPIBaseURL = "https://api.x.com"

// DefaultAPITimeout bounds a single API request.
const DefaultAPITimeout = 5 * time.Second

// APIClient fetches post data from the bearer-token-authenticated API.
type APIClient struct {
	BaseURL     string
	BearerToken string
	// CommunityTags qualify a post as community content. Empty means the
	// package defaults apply.
	CommunityTags []string
	// OnRateInfo, when set, receives parsed rate-limit headers after every
	// response that carried them. Wired to the rate tracker by the resolver.
	OnRateInfo func(RateInfo)

	httpClient *http.Client
}

// NewAPIClient creates an API client with the given base URL and token.
// An empty baseURL falls back to DefaultAPIBaseURL.
func NewAPIClient(baseURL, bearerToken string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}
	return &APIClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		BearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Name implements Client.
func (c *APIClient) Name() post.Source { return post.SourceAPI }

// apiPostResponse mirrors the upstream tweet lookup payload.
type apiPostResponse struct {
	Data struct {
		ID            string `json:"id"`
		Text          string `json:"text"`
		AuthorID      string `json:"author_id"`
		CreatedAt     string `json:"created_at"`
		PublicMetrics struct {
			LikeCount    int `json:"like_count"`
			RetweetCount int `json:"retweet_count"`
			ReplyCount   int `json:"reply_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Name     string `json:"name"`
		} `json:"users"`
	} `json:"includes"`
	Errors []apiError `json:"errors"`
}

// apiError mirrors the upstream error envelope. Title distinguishes the
// vendor's hard usage cap from ordinary 429 throttling.
type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

// Fetch implements Client. It performs one GET against the post lookup
// endpoint and classifies every non-success outcome.
func (c *APIClient) Fetch(ctx context.Context, ref post.Reference) (*post.Record, error) {
	endpoint := fmt.Sprintf(
		"%s/2/tweets/%s?tweet.fields=public_metrics,created_at,text&expansions=author_id&user.fields=username,name",
		c.BaseURL, ref.ID,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFailure(post.SourceAPI, KindTransient, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewFailure(post.SourceAPI, KindTransient, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.reportRateHeaders(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewFailure(post.SourceAPI, KindTransient, "failed to read response body", err)
	}

	if failure := classifyStatus(resp.StatusCode, body); failure != nil {
		return nil, failure
	}

	var payload apiPostResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewFailure(post.SourceAPI, KindTransient, "malformed response JSON", err)
	}

	// A 200 with an errors array and no data means the post is gone or
	// protected.
	if payload.Data.ID == "" {
		detail := "post not present in response"
		if len(payload.Errors) > 0 {
			detail = payload.Errors[0].Detail
		}
		return nil, NewFailure(post.SourceAPI, KindNotFound, detail, nil)
	}

	return c.normalize(ref, &payload)
}

func (c *APIClient) normalize(ref post.Reference, payload *apiPostResponse) (*post.Record, error) {
	author := post.Author{ID: payload.Data.AuthorID, Handle: ref.Handle, DisplayName: ref.Handle}
	for _, user := range payload.Includes.Users {
		if user.ID == payload.Data.AuthorID {
			author.Handle = user.Username
			author.DisplayName = user.Name
			break
		}
	}

	createdAt := time.Now().UTC()
	if payload.Data.CreatedAt != "" {
		parsed, err := time.Parse(time.RFC3339, payload.Data.CreatedAt)
		if err != nil {
			return nil, NewFailure(post.SourceAPI, KindTransient, "unparseable created_at", err)
		}
		createdAt = parsed
	}

	return &post.Record{
		ID:     payload.Data.ID,
		Text:   payload.Data.Text,
		Author: author,
		Engagement: post.Engagement{
			Likes:    payload.Data.PublicMetrics.LikeCount,
			Reshares: payload.Data.PublicMetrics.RetweetCount,
			Replies:  payload.Data.PublicMetrics.ReplyCount,
		},
		CreatedAt:      createdAt,
		Source:         post.SourceAPI,
		CommunityMatch: post.MatchesCommunity(payload.Data.Text, c.CommunityTags),
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// classifyStatus maps an HTTP status (and, for 429, the error body) onto the
// failure taxonomy. Returns nil for success statuses.
func classifyStatus(status int, body []byte) *Failure {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return NewFailure(post.SourceAPI, KindNotFound, "post not found", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewFailure(post.SourceAPI, KindAuthFailure, fmt.Sprintf("HTTP %d", status), nil)
	case status == http.StatusTooManyRequests:
		if isUsageCapBody(body) {
			return NewFailure(post.SourceAPI, KindQuotaExceeded, "usage cap exceeded", nil)
		}
		return NewFailure(post.SourceAPI, KindRateLimited, "rate limited", nil)
	default:
		return NewFailure(post.SourceAPI, KindTransient, fmt.Sprintf("HTTP %d", status), nil)
	}
}

// isUsageCapBody detects the vendor-specific hard-cap error, which arrives
// with a 429 status but must impose a much longer cool-down.
func isUsageCapBody(body []byte) bool {
	var envelope struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	title := strings.ToLower(envelope.Title)
	detail := strings.ToLower(envelope.Detail)
	return strings.Contains(title, "usagecapexceeded") ||
		strings.Contains(title, "usage cap") ||
		strings.Contains(detail, "usage cap")
}

// reportRateHeaders parses the standard rate-limit headers and forwards them
// to the tracker callback when all three are present.
func (c *APIClient) reportRateHeaders(header http.Header) {
	if c.OnRateInfo == nil {
		return
	}
	limitStr := header.Get("x-rate-limit-limit")
	remainingStr := header.Get("x-rate-limit-remaining")
	resetStr := header.Get("x-rate-limit-reset")
	if limitStr == "" || remainingStr == "" || resetStr == "" {
		return
	}

	limit, err1 := strconv.Atoi(limitStr)
	remaining, err2 := strconv.Atoi(remainingStr)
	resetUnix, err3 := strconv.ParseInt(resetStr, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}

	c.OnRateInfo(RateInfo{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(resetUnix, 0),
	})
}
