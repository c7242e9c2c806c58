// Package source - embed.go implements the lowest-priority fallback: the
// public oEmbed endpoint. It needs no credentials and no browser, but the
// embed format structurally lacks engagement counts, so records it produces
// are marked degraded.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonathan/postpulse/internal/post"
)

// DefaultEmbedBaseURL is the public oEmbed endpoint.
const DefaultEmbedBaseURL = "https://publish.twitter.com"

// DefaultEmbedTimeout bounds a single embed request.
const DefaultEmbedTimeout = 5 * time.Second

// EmbedClient fetches post text and author from the oEmbed widget endpoint.
type EmbedClient struct {
	BaseURL       string
	CommunityTags []string

	httpClient *http.Client
}

// NewEmbedClient creates an embed client. An empty baseURL falls back to
// DefaultEmbedBaseURL.
func NewEmbedClient(baseURL string, timeout time.Duration) *EmbedClient {
	if baseURL == "" {
		baseURL = DefaultEmbedBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	return &EmbedClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Client.
func (c *EmbedClient) Name() post.Source { return post.SourceEmbed }

// oembedResponse mirrors the oEmbed payload: an HTML fragment plus author
// metadata.
type oembedResponse struct {
	HTML       string `json:"html"`
	AuthorName string `json:"author_name"`
	AuthorURL  string `json:"author_url"`
}

// Fetch implements Client. Engagement counts are structurally unavailable in
// the embed format; the record is returned with zeroed counts and
// Degraded set so callers can decide whether that is acceptable.
func (c *EmbedClient) Fetch(ctx context.Context, ref post.Reference) (*post.Record, error) {
	endpoint := fmt.Sprintf("%s/oembed?url=%s&omit_script=1&dnt=1",
		c.BaseURL, url.QueryEscape(ref.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFailure(post.SourceEmbed, KindTransient, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewFailure(post.SourceEmbed, KindTransient, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to parsing.
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewFailure(post.SourceEmbed, KindNotFound, "no embed for post", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewFailure(post.SourceEmbed, KindRateLimited, "rate limited", nil)
	default:
		return nil, NewFailure(post.SourceEmbed, KindTransient, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewFailure(post.SourceEmbed, KindTransient, "failed to read response body", err)
	}

	var payload oembedResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewFailure(post.SourceEmbed, KindTransient, "malformed oEmbed JSON", err)
	}
	if payload.HTML == "" {
		return nil, NewFailure(post.SourceEmbed, KindNotFound, "empty embed fragment", nil)
	}

	text, err := extractEmbedText(payload.HTML)
	if err != nil {
		return nil, err
	}

	return &post.Record{
		ID:   ref.ID,
		Text: text,
		Author: post.Author{
			Handle:      handleFromAuthorURL(payload.AuthorURL, ref.Handle),
			DisplayName: firstNonEmpty(payload.AuthorName, ref.Handle),
		},
		CreatedAt:      time.Now().UTC(),
		Source:         post.SourceEmbed,
		CommunityMatch: post.MatchesCommunity(text, c.CommunityTags),
		Degraded:       true,
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// extractEmbedText pulls the post text out of the blockquote fragment.
func extractEmbedText(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", NewFailure(post.SourceEmbed, KindTransient, "failed to parse embed fragment", err)
	}

	// The fragment is a <blockquote class="twitter-tweet"><p>text</p>...</blockquote>.
	paragraph := doc.Find("blockquote p").First()
	if paragraph.Length() > 0 {
		return strings.TrimSpace(paragraph.Text()), nil
	}

	text := strings.TrimSpace(doc.Find("blockquote").First().Text())
	if text == "" {
		return "", NewFailure(post.SourceEmbed, KindTransient, "no text in embed fragment", nil)
	}
	return text, nil
}

// handleFromAuthorURL extracts the handle from an author profile URL,
// falling back to the reference handle.
func handleFromAuthorURL(authorURL, fallback string) string {
	parsed, err := url.Parse(authorURL)
	if err != nil || parsed.Path == "" {
		return fallback
	}
	handle := strings.Trim(parsed.Path, "/")
	if handle == "" || strings.Contains(handle, "/") {
		return fallback
	}
	return handle
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
