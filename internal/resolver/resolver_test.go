package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/jonathan/postpulse/internal/breaker"
	"github.com/jonathan/postpulse/internal/cache"
	"github.com/jonathan/postpulse/internal/post"
	"github.com/jonathan/postpulse/internal/ratelimit"
	"github.com/jonathan/postpulse/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRef = post.Reference{
	ID:     "1234567890",
	Handle: "edgeuser",
	URL:    "https://x.com/edgeuser/status/1234567890",
}

// fakeClient is a scripted source client.
type fakeClient struct {
	name  post.Source
	rec   *post.Record
	err   error
	calls int
	// block, when set, ignores the script and blocks until ctx is done.
	block bool
}

func (f *fakeClient) Name() post.Source { return f.name }

func (f *fakeClient) Fetch(ctx context.Context, _ post.Reference) (*post.Record, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func recordFrom(src post.Source) *post.Record {
	return &post.Record{
		ID:        testRef.ID,
		Text:      "gm @layeredge",
		Author:    post.Author{Handle: "edgeuser"},
		Source:    src,
		Degraded:  src == post.SourceEmbed,
		FetchedAt: time.Now().UTC(),
	}
}

// trackingStore records Put calls so tests can assert on TTLs.
type trackingStore struct {
	cache.Store
	putTTLs []time.Duration
}

func (s *trackingStore) Put(ctx context.Context, id string, rec *post.Record, ttl time.Duration) error {
	s.putTTLs = append(s.putTTLs, ttl)
	return s.Store.Put(ctx, id, rec, ttl)
}

func newTestResolver(clients []source.Client, store cache.Store) (*Resolver, *breaker.Set, *ratelimit.Tracker) {
	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 3, Cooldown: 10 * time.Minute})
	tracker := ratelimit.NewTracker()
	r := New(clients, store, breakers, tracker, Config{
		CacheTTL:         5 * time.Minute,
		DegradedCacheTTL: time.Minute,
	})
	return r, breakers, tracker
}

func failure(src post.Source, kind source.FailureKind) error {
	return source.NewFailure(src, kind, string(kind), nil)
}

func TestResolve_FirstSourceSucceeds(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	scraper := &fakeClient{name: post.SourceScraper, rec: recordFrom(post.SourceScraper)}
	r, _, _ := newTestResolver([]source.Client{api, scraper}, cache.NewMemory())

	rec, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, post.SourceAPI, rec.Source)
	assert.Equal(t, 1, api.calls)
	assert.Equal(t, 0, scraper.calls, "lower-priority sources must not be tried after a success")
}

func TestResolve_CacheHitSkipsAllSources(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	store := cache.NewMemory()
	r, _, _ := newTestResolver([]source.Client{api}, store)

	_, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	require.Equal(t, 1, api.calls)

	// Second resolve within the TTL hits the cache.
	rec, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, post.SourceAPI, rec.Source)
	assert.Equal(t, 1, api.calls, "cache hit must not trigger a source attempt")
}

func TestResolve_FallsBackInPriorityOrder(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, err: failure(post.SourceAPI, source.KindRateLimited)}
	scraper := &fakeClient{name: post.SourceScraper, err: failure(post.SourceScraper, source.KindTransient)}
	embed := &fakeClient{name: post.SourceEmbed, rec: recordFrom(post.SourceEmbed)}
	r, _, _ := newTestResolver([]source.Client{api, scraper, embed}, cache.NewMemory())

	rec, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, post.SourceEmbed, rec.Source)
	assert.True(t, rec.Degraded)
	assert.Equal(t, 1, api.calls)
	assert.Equal(t, 1, scraper.calls)
	assert.Equal(t, 1, embed.calls)
}

func TestResolve_SkipsOpenBreakers(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	scraper := &fakeClient{name: post.SourceScraper, rec: recordFrom(post.SourceScraper)}
	embed := &fakeClient{name: post.SourceEmbed, rec: recordFrom(post.SourceEmbed)}
	r, breakers, _ := newTestResolver([]source.Client{api, scraper, embed}, cache.NewMemory())

	// Trip the first two breakers.
	for i := 0; i < 3; i++ {
		breakers.OnFailure(post.SourceAPI, source.KindTransient)
		breakers.OnFailure(post.SourceScraper, source.KindTransient)
	}

	rec, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, post.SourceEmbed, rec.Source)
	assert.Equal(t, 0, api.calls, "open breaker must skip without a network call")
	assert.Equal(t, 0, scraper.calls)
	assert.Equal(t, 1, embed.calls)
}

func TestResolve_AllSourcesFail(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, err: failure(post.SourceAPI, source.KindRateLimited)}
	scraper := &fakeClient{name: post.SourceScraper, err: failure(post.SourceScraper, source.KindTransient)}
	embed := &fakeClient{name: post.SourceEmbed, err: failure(post.SourceEmbed, source.KindTransient)}
	r, _, _ := newTestResolver([]source.Client{api, scraper, embed}, cache.NewMemory())

	_, err := r.Resolve(context.Background(), testRef)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 3)
	assert.Equal(t, post.SourceAPI, exhausted.Attempts[0].Source)
	assert.Equal(t, source.KindRateLimited, exhausted.Attempts[0].Kind)
	assert.Equal(t, post.SourceScraper, exhausted.Attempts[1].Source)
	assert.Equal(t, source.KindTransient, exhausted.Attempts[1].Kind)
	assert.Equal(t, post.SourceEmbed, exhausted.Attempts[2].Source)
	assert.Equal(t, source.KindTransient, exhausted.Attempts[2].Kind)
}

func TestResolve_NotFoundShortCircuits(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, err: failure(post.SourceAPI, source.KindNotFound)}
	scraper := &fakeClient{name: post.SourceScraper, rec: recordFrom(post.SourceScraper)}
	r, breakers, _ := newTestResolver([]source.Client{api, scraper}, cache.NewMemory())

	_, err := r.Resolve(context.Background(), testRef)

	var f *source.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, source.KindNotFound, f.Kind)
	assert.Equal(t, 0, scraper.calls, "a definitive not-found must not waste calls on other sources")

	// The breaker must not count the not-found.
	assert.Equal(t, breaker.StateClosed, breakers.Snapshot(post.SourceAPI).State)
	assert.Equal(t, 0, breakers.Snapshot(post.SourceAPI).FailureCount)
}

func TestResolve_ContentRejectedShortCircuits(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, err: failure(post.SourceAPI, source.KindContentRejected)}
	embed := &fakeClient{name: post.SourceEmbed, rec: recordFrom(post.SourceEmbed)}
	r, _, _ := newTestResolver([]source.Client{api, embed}, cache.NewMemory())

	_, err := r.Resolve(context.Background(), testRef)

	var f *source.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, source.KindContentRejected, f.Kind)
	assert.Equal(t, 0, embed.calls)
}

func TestResolve_RateWindowSkipsSourcePreemptively(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	scraper := &fakeClient{name: post.SourceScraper, rec: recordFrom(post.SourceScraper)}
	r, _, tracker := newTestResolver([]source.Client{api, scraper}, cache.NewMemory())

	// A previous response reported the API window as exhausted.
	tracker.Record(post.SourceAPI, source.RateInfo{
		Limit:     300,
		Remaining: 0,
		Reset:     time.Now().Add(10 * time.Minute),
	})

	rec, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, post.SourceScraper, rec.Source)
	assert.Equal(t, 0, api.calls, "exhausted rate window must skip without a network call")
	assert.Equal(t, 1, scraper.calls)
}

func TestResolve_RateWindowSkipDoesNotConsumeBreakerProbe(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, err: failure(post.SourceAPI, source.KindAuthFailure)}
	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 3, Cooldown: 30 * time.Millisecond})
	tracker := ratelimit.NewTracker()
	r := New([]source.Client{api}, nil, breakers, tracker, Config{})

	// An auth failure opens the breaker immediately.
	_, err := r.Resolve(context.Background(), testRef)
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, breakers.Snapshot(post.SourceAPI).State)
	require.Equal(t, 1, api.calls)

	// The upstream also reported an exhausted rate window that outlives the
	// breaker cool-down.
	tracker.Record(post.SourceAPI, source.RateInfo{
		Limit:     300,
		Remaining: 0,
		Reset:     time.Now().Add(80 * time.Millisecond),
	})

	// Cool-down elapsed, window still exhausted: the tracker skips the source,
	// and the skip must not check out the half-open probe.
	time.Sleep(50 * time.Millisecond)
	_, err = r.Resolve(context.Background(), testRef)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1)
	assert.True(t, exhausted.Attempts[0].Skipped)
	assert.Equal(t, "rate limited upstream", exhausted.Attempts[0].Reason)
	assert.Equal(t, 1, api.calls)

	// Window reset and the upstream recovered: the probe must still be
	// available, reach the source, and close the breaker on success.
	time.Sleep(50 * time.Millisecond)
	api.err = nil
	api.rec = recordFrom(post.SourceAPI)

	rec, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, post.SourceAPI, rec.Source)
	assert.Equal(t, 2, api.calls)
	assert.Equal(t, breaker.StateClosed, breakers.Snapshot(post.SourceAPI).State)
}

func TestResolve_FailuresAdvanceBreaker(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, err: failure(post.SourceAPI, source.KindTransient)}
	embed := &fakeClient{name: post.SourceEmbed, rec: recordFrom(post.SourceEmbed)}
	// No cache, so every resolve attempts the failing API again.
	r, breakers, _ := newTestResolver([]source.Client{api, embed}, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), testRef)
		require.NoError(t, err)
	}

	assert.Equal(t, breaker.StateOpen, breakers.Snapshot(post.SourceAPI).State,
		"three resolve calls with a failing API must open its breaker")
	assert.Equal(t, breaker.StateClosed, breakers.Snapshot(post.SourceEmbed).State)
}

func TestResolve_DegradedRecordCachedWithShorterTTL(t *testing.T) {
	embed := &fakeClient{name: post.SourceEmbed, rec: recordFrom(post.SourceEmbed)}
	store := &trackingStore{Store: cache.NewMemory()}
	r, _, _ := newTestResolver([]source.Client{embed}, store)

	_, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)

	require.Len(t, store.putTTLs, 1)
	assert.Equal(t, time.Minute, store.putTTLs[0], "degraded records age out faster")
}

func TestResolve_FullRecordCachedWithFullTTL(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	store := &trackingStore{Store: cache.NewMemory()}
	r, _, _ := newTestResolver([]source.Client{api}, store)

	_, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)

	require.Len(t, store.putTTLs, 1)
	assert.Equal(t, 5*time.Minute, store.putTTLs[0])
}

func TestResolve_AttemptTimeoutIsTransient(t *testing.T) {
	slow := &fakeClient{name: post.SourceAPI, block: true}
	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 3, Cooldown: 10 * time.Minute})
	tracker := ratelimit.NewTracker()
	r := New([]source.Client{slow}, cache.NewMemory(), breakers, tracker, Config{
		SourceTimeouts: map[post.Source]time.Duration{post.SourceAPI: 30 * time.Millisecond},
	})

	_, err := r.Resolve(context.Background(), testRef)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1)
	assert.Equal(t, source.KindTransient, exhausted.Attempts[0].Kind, "a timed-out attempt counts as transient")
	assert.Equal(t, 1, breakers.Snapshot(post.SourceAPI).FailureCount)
}

func TestResolve_CallerDeadlineAbandonsRemainingSources(t *testing.T) {
	slow := &fakeClient{name: post.SourceAPI, block: true}
	embed := &fakeClient{name: post.SourceEmbed, rec: recordFrom(post.SourceEmbed)}
	r, _, _ := newTestResolver([]source.Client{slow, embed}, cache.NewMemory())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, testRef)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.True(t, exhausted.Attempts[1].Skipped)
	assert.Equal(t, 0, embed.calls, "remaining sources are abandoned once the caller deadline passes")
}

func TestResolve_SkippedSourcesListedInAggregate(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	embed := &fakeClient{name: post.SourceEmbed, err: failure(post.SourceEmbed, source.KindTransient)}
	r, breakers, _ := newTestResolver([]source.Client{api, embed}, cache.NewMemory())

	for i := 0; i < 3; i++ {
		breakers.OnFailure(post.SourceAPI, source.KindTransient)
	}

	_, err := r.Resolve(context.Background(), testRef)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.True(t, exhausted.Attempts[0].Skipped)
	assert.Equal(t, "breaker open", exhausted.Attempts[0].Reason)
	assert.False(t, exhausted.Attempts[1].Skipped)
	assert.Contains(t, err.Error(), "api skipped")
}

func TestHealthSnapshot(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	embed := &fakeClient{name: post.SourceEmbed, rec: recordFrom(post.SourceEmbed)}
	r, breakers, tracker := newTestResolver([]source.Client{api, embed}, cache.NewMemory())

	breakers.OnFailure(post.SourceEmbed, source.KindTransient)
	tracker.Record(post.SourceAPI, source.RateInfo{Limit: 300, Remaining: 120, Reset: time.Now().Add(5 * time.Minute)})

	snap := r.HealthSnapshot()
	require.Contains(t, snap, post.SourceAPI)
	require.Contains(t, snap, post.SourceEmbed)

	assert.Equal(t, breaker.StateClosed, snap[post.SourceAPI].Breaker.State)
	assert.Equal(t, 120, snap[post.SourceAPI].RateRemaining)
	assert.Equal(t, 1, snap[post.SourceEmbed].Breaker.FailureCount)
}

func TestResolve_NilCache(t *testing.T) {
	api := &fakeClient{name: post.SourceAPI, rec: recordFrom(post.SourceAPI)}
	r, _, _ := newTestResolver([]source.Client{api}, nil)

	rec, err := r.Resolve(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, post.SourceAPI, rec.Source)
}
