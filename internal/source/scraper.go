// Package source - scraper.go implements the headless-browser fallback. It
// renders the public post page, waits for the content markers, and extracts
// text, author and engagement via structural selectors.
package source

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/jonathan/postpulse/internal/post"
)

// DefaultPageTimeout bounds the wait for the post content marker to appear
// after navigation. Longer than API timeouts because rendering is slow.
const DefaultPageTimeout = 15 * time.Second

// Structural selectors for the rendered post page.
const (
	selectorPostText   = `article [data-testid="tweetText"]`
	selectorUserName   = `article [data-testid="User-Name"]`
	selectorErrorPage  = `[data-testid="error-detail"]`
	selectorPostGroup  = `article div[role="group"]`
	selectorPostedTime = `article time`
)

// ScraperClient drives a headless browser against the public post page.
type ScraperClient struct {
	Pool          *BrowserPool
	PageTimeout   time.Duration
	CommunityTags []string

	// render is swappable in tests; production uses renderPostPage.
	render func(ctx context.Context, url string, timeout time.Duration) (string, error)
}

// NewScraperClient creates a scraper backed by the given session pool.
func NewScraperClient(pool *BrowserPool, pageTimeout time.Duration) *ScraperClient {
	if pageTimeout <= 0 {
		pageTimeout = DefaultPageTimeout
	}
	return &ScraperClient{
		Pool:        pool,
		PageTimeout: pageTimeout,
		render:      renderPostPage,
	}
}

// Name implements Client.
func (c *ScraperClient) Name() post.Source { return post.SourceScraper }

// Fetch implements Client. The session is released on every exit path;
// leaking sessions under repeated failures is a correctness bug.
func (c *ScraperClient) Fetch(ctx context.Context, ref post.Reference) (*post.Record, error) {
	session, err := c.Pool.Acquire(ctx)
	if err != nil {
		return nil, NewFailure(post.SourceScraper, KindTransient, "no browser session available", err)
	}
	defer session.Release()

	html, err := c.render(session.Ctx, ref.URL, c.PageTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewFailure(post.SourceScraper, KindTransient, "page load timed out", err)
		}
		return nil, NewFailure(post.SourceScraper, KindTransient, "browser rendering failed", err)
	}

	return parseRenderedPost(html, ref, c.CommunityTags)
}

// renderPostPage navigates to the post URL and returns the rendered HTML once
// the content marker (or the error page) is visible, bounded by timeout.
func renderPostPage(ctx context.Context, url string, timeout time.Duration) (string, error) {
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var html string
	err := chromedp.Run(pageCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(selectorPostText+", "+selectorErrorPage, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}

// parseRenderedPost extracts a normalized record from the rendered page HTML.
// Exposed as a plain function so extraction is testable without a browser.
func parseRenderedPost(html string, ref post.Reference, tags []string) (*post.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, NewFailure(post.SourceScraper, KindTransient, "failed to parse rendered HTML", err)
	}

	if doc.Find(selectorErrorPage).Length() > 0 {
		return nil, NewFailure(post.SourceScraper, KindNotFound, "post page shows error marker", nil)
	}

	textSel := doc.Find(selectorPostText).First()
	if textSel.Length() == 0 {
		return nil, NewFailure(post.SourceScraper, KindTransient, "content marker missing from rendered page", nil)
	}
	text := strings.TrimSpace(textSel.Text())

	author := extractAuthor(doc, ref)
	engagement := extractEngagement(doc)
	createdAt := extractCreatedAt(doc)

	return &post.Record{
		ID:             ref.ID,
		Text:           text,
		Author:         author,
		Engagement:     engagement,
		CreatedAt:      createdAt,
		Source:         post.SourceScraper,
		CommunityMatch: post.MatchesCommunity(text, tags),
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// extractAuthor pulls display name and handle from the User-Name block.
// The block renders as "Display Name @handle · time"; the handle span starts
// with '@'.
func extractAuthor(doc *goquery.Document, ref post.Reference) post.Author {
	author := post.Author{Handle: ref.Handle, DisplayName: ref.Handle}

	block := doc.Find(selectorUserName).First()
	if block.Length() == 0 {
		return author
	}

	block.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.TrimSpace(s.Text())
		if strings.HasPrefix(t, "@") {
			author.Handle = strings.TrimPrefix(t, "@")
			return false
		}
		if t != "" && author.DisplayName == ref.Handle {
			author.DisplayName = t
		}
		return true
	})

	return author
}

// metricPattern matches the leading count in aria-labels like
// "1,234 Likes. Like" or "4 replies, 2 reposts, 31 likes".
var metricPattern = regexp.MustCompile(`([\d,]+)`)

// extractEngagement reads counts from the action-bar button aria-labels.
func extractEngagement(doc *goquery.Document) post.Engagement {
	var eng post.Engagement

	group := doc.Find(selectorPostGroup).First()
	if label, ok := group.Attr("aria-label"); ok {
		// Combined form: "4 replies, 2 reposts, 31 likes"
		for _, part := range strings.Split(label, ",") {
			lower := strings.ToLower(part)
			count := parseMetricCount(part)
			switch {
			case strings.Contains(lower, "repl"):
				eng.Replies = count
			case strings.Contains(lower, "repost") || strings.Contains(lower, "retweet"):
				eng.Reshares = count
			case strings.Contains(lower, "like"):
				eng.Likes = count
			}
		}
		return eng
	}

	// Per-button fallback.
	for selector, assign := range map[string]*int{
		`article [data-testid="reply"]`:   &eng.Replies,
		`article [data-testid="retweet"]`: &eng.Reshares,
		`article [data-testid="like"]`:    &eng.Likes,
	} {
		if label, ok := doc.Find(selector).First().Attr("aria-label"); ok {
			*assign = parseMetricCount(label)
		}
	}
	return eng
}

// parseMetricCount extracts the first comma-grouped integer in s.
func parseMetricCount(s string) int {
	match := metricPattern.FindString(s)
	if match == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return 0
	}
	return n
}

// extractCreatedAt reads the post timestamp from the <time datetime> attribute.
func extractCreatedAt(doc *goquery.Document) time.Time {
	if datetime, ok := doc.Find(selectorPostedTime).First().Attr("datetime"); ok {
		if parsed, err := time.Parse(time.RFC3339, datetime); err == nil {
			return parsed
		}
	}
	return time.Now().UTC()
}
