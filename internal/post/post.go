// Package post provides the domain types for community posts: references
// parsed from status URLs, normalized records produced by the fetch pipeline,
// and the community-mention predicate used for reward eligibility.
package post

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Source identifies which retrieval strategy produced a record.
type Source string

const (
	// SourceAPI is the structured (bearer-token) API client.
	SourceAPI Source = "api"
	// SourceScraper is the headless-browser scraper.
	SourceScraper Source = "scraper"
	// SourceEmbed is the public embed-widget client.
	SourceEmbed Source = "embed"
)

// Sources lists all known sources in default priority order.
func Sources() []Source {
	return []Source{SourceAPI, SourceScraper, SourceEmbed}
}

// ParseSource converts a string into a Source.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceAPI:
		return SourceAPI, nil
	case SourceScraper:
		return SourceScraper, nil
	case SourceEmbed:
		return SourceEmbed, nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

func (s Source) String() string { return string(s) }

var (
	statusIDPattern = regexp.MustCompile(`/status(?:es)?/(\d+)`)
	handlePattern   = regexp.MustCompile(`(?:x\.com|twitter\.com)/([A-Za-z0-9_]+)/status`)
)

// Reference identifies one post: the numeric ID, the author handle and the
// canonical URL. Immutable; constructed once from user input via ParseReference.
type Reference struct {
	ID     string
	Handle string
	URL    string
}

// ReferenceError is returned when a post URL cannot be parsed.
type ReferenceError struct {
	URL     string
	Message string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("invalid post reference %q: %s", e.URL, e.Message)
}

// ParseReference validates a status URL and extracts the post ID and author
// handle. Accepts x.com and twitter.com hosts, with or without scheme.
func ParseReference(rawURL string) (Reference, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return Reference{}, &ReferenceError{URL: rawURL, Message: "empty URL"}
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return Reference{}, &ReferenceError{URL: rawURL, Message: "not a valid URL"}
	}

	host := strings.ToLower(strings.TrimPrefix(parsed.Host, "www."))
	if host != "x.com" && host != "twitter.com" {
		return Reference{}, &ReferenceError{URL: rawURL, Message: "host must be x.com or twitter.com"}
	}

	idMatch := statusIDPattern.FindStringSubmatch(parsed.Path)
	if idMatch == nil {
		return Reference{}, &ReferenceError{URL: rawURL, Message: "no /status/{id} segment"}
	}
	handleMatch := handlePattern.FindStringSubmatch(host + parsed.Path)
	if handleMatch == nil {
		return Reference{}, &ReferenceError{URL: rawURL, Message: "cannot extract author handle"}
	}

	return Reference{
		ID:     idMatch[1],
		Handle: handleMatch[1],
		URL:    fmt.Sprintf("https://x.com/%s/status/%s", handleMatch[1], idMatch[1]),
	}, nil
}

// Author holds the post author's identity.
type Author struct {
	ID          string `json:"id,omitempty"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// Engagement holds the public engagement counts for a post.
type Engagement struct {
	Likes    int `json:"likes"`
	Reshares int `json:"reshares"`
	Replies  int `json:"replies"`
}

// Record is the normalized output of a successful fetch. A record is either
// complete or, when Degraded is true, carries zeroed engagement because the
// producing source structurally lacks those counts.
type Record struct {
	ID             string     `json:"post_id"`
	Text           string     `json:"text"`
	Author         Author     `json:"author"`
	Engagement     Engagement `json:"engagement"`
	CreatedAt      time.Time  `json:"created_at"`
	Source         Source     `json:"source"`
	CommunityMatch bool       `json:"community_match"`
	Degraded       bool       `json:"degraded"`
	FetchedAt      time.Time  `json:"fetched_at"`
}

// DefaultCommunityTags are the mention/cashtag markers that qualify a post
// as community content when no tags are configured.
var DefaultCommunityTags = []string{"@layeredge", "$edgen"}

// MatchesCommunity reports whether text contains at least one of the given
// tags (case-insensitive). With no tags it falls back to DefaultCommunityTags.
func MatchesCommunity(text string, tags []string) bool {
	if len(tags) == 0 {
		tags = DefaultCommunityTags
	}
	lower := strings.ToLower(text)
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}
