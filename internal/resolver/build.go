// Package resolver - build.go assembles the full pipeline (clients, breaker
// set, rate tracker, cache) from configuration.
package resolver

import (
	"fmt"
	"time"

	"github.com/jonathan/postpulse/internal/breaker"
	"github.com/jonathan/postpulse/internal/cache"
	"github.com/jonathan/postpulse/internal/config"
	"github.com/jonathan/postpulse/internal/post"
	"github.com/jonathan/postpulse/internal/ratelimit"
	"github.com/jonathan/postpulse/internal/source"
)

// FromConfig builds a ready-to-use Resolver. The returned cleanup function
// releases the cache connection when a redis store is in use.
func FromConfig(cfg *config.Config) (*Resolver, func(), error) {
	priority, err := cfg.Priority()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid source priority: %w", err)
	}

	tracker := ratelimit.NewTracker()
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.Cooldown(),
		QuotaCooldown:    cfg.QuotaCooldown(),
	})

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	pool := source.NewBrowserPool(cfg.BrowserPoolSize, source.DefaultAcquireTimeout)
	clients, err := buildClients(cfg, priority, tracker, pool)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	timeouts := map[post.Source]time.Duration{
		post.SourceAPI:   cfg.SourceTimeout(),
		post.SourceEmbed: cfg.SourceTimeout(),
		// The scraper needs headroom for session acquisition plus page load.
		post.SourceScraper: cfg.PageTimeout() + source.DefaultAcquireTimeout,
	}

	r := New(clients, store, breakers, tracker, Config{
		CacheTTL:         cfg.CacheTTL(),
		DegradedCacheTTL: cfg.DegradedCacheTTL(),
		SourceTimeouts:   timeouts,
		Verbose:          cfg.Verbose,
	})
	return r, cleanup, nil
}

func buildStore(cfg *config.Config) (cache.Store, func(), error) {
	if cfg.RedisURL == "" {
		return cache.NewMemory(), func() {}, nil
	}
	store, err := cache.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("cache setup: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func buildClients(cfg *config.Config, priority []post.Source, tracker *ratelimit.Tracker, pool *source.BrowserPool) ([]source.Client, error) {
	clients := make([]source.Client, 0, len(priority))
	for _, src := range priority {
		switch src {
		case post.SourceAPI:
			api := source.NewAPIClient(cfg.APIBaseURL, cfg.APIToken, cfg.APITimeout())
			api.CommunityTags = cfg.CommunityTags
			api.OnRateInfo = func(info source.RateInfo) {
				tracker.Record(post.SourceAPI, info)
			}
			clients = append(clients, api)
		case post.SourceScraper:
			scraper := source.NewScraperClient(pool, cfg.PageTimeout())
			scraper.CommunityTags = cfg.CommunityTags
			clients = append(clients, scraper)
		case post.SourceEmbed:
			embed := source.NewEmbedClient(cfg.EmbedBaseURL, cfg.EmbedTimeout())
			embed.CommunityTags = cfg.CommunityTags
			clients = append(clients, embed)
		default:
			return nil, fmt.Errorf("no client for source %q", src)
		}
	}
	return clients, nil
}
