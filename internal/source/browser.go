// Package source - browser.go manages the bounded pool of headless-browser
// sessions used by the scraper client. Each session is memory- and CPU-heavy,
// so at most PoolSize run concurrently and every acquisition must be released
// on every exit path.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"
)

// DefaultBrowserPoolSize bounds concurrent headless sessions.
const DefaultBrowserPoolSize = 2

// DefaultAcquireTimeout bounds how long a caller waits for a free session.
const DefaultAcquireTimeout = 10 * time.Second

// BrowserPool hands out headless browser sessions, at most `size` at a time.
type BrowserPool struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	inUse          atomic.Int64

	// newContext is swappable in tests so pool behavior can be exercised
	// without launching Chrome.
	newContext func(ctx context.Context) (context.Context, context.CancelFunc)
}

// NewBrowserPool creates a pool of at most size concurrent sessions.
func NewBrowserPool(size int, acquireTimeout time.Duration) *BrowserPool {
	if size <= 0 {
		size = DefaultBrowserPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &BrowserPool{
		sem:            semaphore.NewWeighted(int64(size)),
		acquireTimeout: acquireTimeout,
		newContext:     newChromeContext,
	}
}

// newChromeContext builds a fresh headless allocator and browser context.
func newChromeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("blink-settings", "imagesEnabled=false"),
		)...,
	)

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	return browserCtx, func() {
		cancelBrowser()
		cancelAlloc()
	}
}

// Session is one acquired browser slot. Release is safe to call multiple
// times; exactly one call returns the slot to the pool.
type Session struct {
	Ctx     context.Context
	pool    *BrowserPool
	cancel  context.CancelFunc
	release sync.Once
}

// Acquire blocks until a session slot is free or the acquire timeout expires.
// The caller must Release the session on every exit path.
func (p *BrowserPool) Acquire(ctx context.Context) (*Session, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, fmt.Errorf("browser pool acquire: %w", err)
	}

	browserCtx, cancelBrowser := p.newContext(ctx)
	p.inUse.Add(1)

	return &Session{
		Ctx:    browserCtx,
		pool:   p,
		cancel: cancelBrowser,
	}, nil
}

// Release tears down the browser context and frees the pool slot.
func (s *Session) Release() {
	s.release.Do(func() {
		s.cancel()
		s.pool.inUse.Add(-1)
		s.pool.sem.Release(1)
	})
}

// InUse returns the number of sessions currently held. Used by health checks
// and leak assertions in tests.
func (p *BrowserPool) InUse() int64 {
	return p.inUse.Load()
}
