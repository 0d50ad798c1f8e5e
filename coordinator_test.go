package calproxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/calproxy/cache"
	"github.com/always-cache/calproxy/pkg/refresh"
	"github.com/always-cache/calproxy/pkg/upstream"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOrigin = errors.New("origin unreachable")

// fakeFetcher writes "<key> body" records into its store. If gate is set,
// every fetch blocks until the gate is closed.
type fakeFetcher struct {
	store   cache.Store
	clock   clock.Clock
	calls   atomic.Int32
	started chan string
	gate    chan struct{}

	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]bool
}

func newFakeFetcher(store cache.Store, clk clock.Clock) *fakeFetcher {
	return &fakeFetcher{
		store:   store,
		clock:   clk,
		started: make(chan string, 100),
		bodies:  make(map[string]string),
		fail:    make(map[string]bool),
	}
}

func (f *fakeFetcher) setBody(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[key] = body
}

func (f *fakeFetcher) setFail(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = true
}

func (f *fakeFetcher) Fetch(ctx context.Context, key, source string) (cache.Record, error) {
	f.calls.Add(1)
	f.started <- key
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return cache.Record{}, &upstream.FetchError{Key: key, Cause: ctx.Err()}
		}
	}

	f.mu.Lock()
	fail := f.fail[key]
	body, ok := f.bodies[key]
	f.mu.Unlock()
	if fail {
		return cache.Record{}, &upstream.FetchError{Key: key, Cause: errOrigin}
	}
	if !ok {
		body = key + " body"
	}
	rec := cache.Record{
		Key:         key,
		Body:        []byte(body),
		ContentType: "text/plain",
		FetchedAt:   f.clock.Now(),
	}
	if err := f.store.Put(rec); err != nil {
		return cache.Record{}, &upstream.FetchError{Key: key, Cause: err}
	}
	return rec, nil
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveLookup(key, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[key+"/"+outcome]++
}

func (o *countingObserver) count(key, outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key+"/"+outcome]
}

type coordinatorFixture struct {
	coordinator *Coordinator
	scheduler   *refresh.Scheduler
	store       cache.Store
	fetcher     *fakeFetcher
	clock       *clock.Mock
	observer    *countingObserver
}

func newCoordinatorFixture(t *testing.T, keys ...Key) *coordinatorFixture {
	if len(keys) == 0 {
		keys = []Key{
			{Name: "weather", URL: "http://origin/weather"},
			{Name: "news", URL: "http://origin/news"},
		}
	}
	logger := zerolog.Nop()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := cache.NewMemStore()
	fetcher := newFakeFetcher(store, clk)
	scheduler := refresh.New(refresh.Config{
		Fetcher:        fetcher,
		DisableBackoff: true,
		Clock:          clk,
		Logger:         &logger,
	})
	t.Cleanup(func() { scheduler.Close() })
	observer := &countingObserver{}

	return &coordinatorFixture{
		coordinator: NewCoordinator(CoordinatorConfig{
			Store:     store,
			Refresher: scheduler,
			Keys:      keys,
			Freshness: time.Hour,
			Clock:     clk,
			Observer:  observer,
			Logger:    &logger,
		}),
		scheduler: scheduler,
		store:     store,
		fetcher:   fetcher,
		clock:     clk,
		observer:  observer,
	}
}

func (fx *coordinatorFixture) waitIdle(t *testing.T) {
	require.Eventually(t, func() bool { return fx.scheduler.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func (fx *coordinatorFixture) waitStarted(t *testing.T) {
	select {
	case <-fx.fetcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not start")
	}
}

func TestLookupAbsentThenFresh(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.setBody("weather", "72F")
	ctx := context.Background()

	res, err := fx.coordinator.Lookup(ctx, "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Unavailable, res.Outcome)

	fx.waitIdle(t)
	res, err = fx.coordinator.Lookup(ctx, "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res.Outcome)
	assert.Equal(t, "72F", string(res.Record.Body))
	assert.Equal(t, "text/plain", res.Record.ContentType)
	assert.Equal(t, time.Hour, res.TTL)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
}

func TestLookupAbsentLaunchesOnce(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.gate = make(chan struct{})
	ctx := context.Background()

	res, err := fx.coordinator.Lookup(ctx, "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Unavailable, res.Outcome)
	fx.waitStarted(t)

	res, err = fx.coordinator.Lookup(ctx, "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Unavailable, res.Outcome)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())

	close(fx.fetcher.gate)
	fx.waitIdle(t)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, 2, fx.observer.count("weather", "unavailable"))
}

func TestLookupStaleReturnsRecordAndRefreshesOnce(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.gate = make(chan struct{})
	old := cache.Record{
		Key:         "news",
		Body:        []byte("yesterday"),
		ContentType: "text/html",
		FetchedAt:   fx.clock.Now().Add(-4000 * time.Second),
	}
	require.NoError(t, fx.store.Put(old))
	ctx := context.Background()

	res, err := fx.coordinator.Lookup(ctx, "news", Async)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	assert.Equal(t, "yesterday", string(res.Record.Body))
	assert.Equal(t, 4000*time.Second, res.Age)
	fx.waitStarted(t)

	// two simultaneous lookups while the refresh is running
	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = fx.coordinator.Lookup(ctx, "news", Async)
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, Stale, r.Outcome)
		assert.Equal(t, "yesterday", string(r.Record.Body))
	}
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())

	close(fx.fetcher.gate)
	fx.waitIdle(t)
	res, err = fx.coordinator.Lookup(ctx, "news", Async)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res.Outcome)
	assert.Equal(t, "news body", string(res.Record.Body))
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
}

func TestLookupFreshLaunchesNothing(t *testing.T) {
	fx := newCoordinatorFixture(t)
	require.NoError(t, fx.store.Put(cache.Record{
		Key:       "weather",
		Body:      []byte("65F"),
		FetchedAt: fx.clock.Now().Add(-10 * time.Minute),
	}))

	res, err := fx.coordinator.Lookup(context.Background(), "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res.Outcome)
	assert.Equal(t, 50*time.Minute, res.TTL)
	assert.Equal(t, 0, fx.scheduler.Len())
	assert.Equal(t, int32(0), fx.fetcher.calls.Load())
	assert.Equal(t, 1, fx.observer.count("weather", "fresh"))
}

func TestLookupAtWindowBoundaryIsFresh(t *testing.T) {
	fx := newCoordinatorFixture(t)
	require.NoError(t, fx.store.Put(cache.Record{
		Key:       "weather",
		Body:      []byte("65F"),
		FetchedAt: fx.clock.Now().Add(-time.Hour),
	}))

	res, err := fx.coordinator.Lookup(context.Background(), "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res.Outcome)
	assert.Equal(t, time.Duration(0), res.TTL)
	assert.Equal(t, int32(0), fx.fetcher.calls.Load())
}

func TestLookupFutureRecordIsStale(t *testing.T) {
	fx := newCoordinatorFixture(t)
	require.NoError(t, fx.store.Put(cache.Record{
		Key:       "weather",
		Body:      []byte("from the future"),
		FetchedAt: fx.clock.Now().Add(time.Hour),
	}))

	res, err := fx.coordinator.Lookup(context.Background(), "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	assert.Equal(t, "from the future", string(res.Record.Body))

	fx.waitIdle(t)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
}

func TestLookupPerKeyFreshness(t *testing.T) {
	fx := newCoordinatorFixture(t, Key{Name: "ticker", URL: "http://origin/ticker", Freshness: 10 * time.Minute})
	require.NoError(t, fx.store.Put(cache.Record{
		Key:       "ticker",
		Body:      []byte("up"),
		FetchedAt: fx.clock.Now().Add(-20 * time.Minute),
	}))

	res, err := fx.coordinator.Lookup(context.Background(), "ticker", Async)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	fx.waitIdle(t)
}

func TestLookupZeroWindow(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.coordinator = NewCoordinator(CoordinatorConfig{
		Store:     fx.store,
		Refresher: fx.scheduler,
		Keys:      []Key{{Name: "weather", URL: "http://origin/weather"}},
		Freshness: NoFreshness,
		Clock:     fx.clock,
	})
	require.NoError(t, fx.store.Put(cache.Record{
		Key:       "weather",
		Body:      []byte("65F"),
		FetchedAt: fx.clock.Now(),
	}))
	ctx := context.Background()

	res, err := fx.coordinator.Lookup(ctx, "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res.Outcome)
	assert.Equal(t, time.Duration(0), res.TTL)

	fx.clock.Add(time.Second)
	res, err = fx.coordinator.Lookup(ctx, "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	fx.waitIdle(t)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
}

func TestLookupPerKeyZeroWindow(t *testing.T) {
	fx := newCoordinatorFixture(t, Key{Name: "ticker", URL: "http://origin/ticker", Freshness: NoFreshness})
	require.NoError(t, fx.store.Put(cache.Record{
		Key:       "ticker",
		Body:      []byte("up"),
		FetchedAt: fx.clock.Now().Add(-time.Second),
	}))

	res, err := fx.coordinator.Lookup(context.Background(), "ticker", Async)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	fx.waitIdle(t)
}

func TestFailedRefreshKeepsRecord(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.setFail("news")
	old := cache.Record{
		Key:       "news",
		Body:      []byte("yesterday"),
		FetchedAt: fx.clock.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, fx.store.Put(old))

	res, err := fx.coordinator.Lookup(context.Background(), "news", Async)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	fx.waitIdle(t)

	rec, found, err := fx.store.Get("news")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, old.Body, rec.Body)
	assert.True(t, old.FetchedAt.Equal(rec.FetchedAt))
}

func TestFailedFirstLoadStaysAbsent(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.setFail("weather")

	res, err := fx.coordinator.Lookup(context.Background(), "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Unavailable, res.Outcome)
	fx.waitIdle(t)

	_, found, err := fx.store.Get("weather")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookupSyncFirstLoad(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.setBody("weather", "72F")

	res, err := fx.coordinator.Lookup(context.Background(), "weather", SyncFirstLoad)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res.Outcome)
	assert.Equal(t, "72F", string(res.Record.Body))
	assert.Equal(t, 0, fx.scheduler.Len())
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
}

func TestLookupSyncFirstLoadFailure(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.setFail("weather")

	res, err := fx.coordinator.Lookup(context.Background(), "weather", SyncFirstLoad)
	assert.ErrorIs(t, err, errOrigin)
	var fetchErr *upstream.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "weather", fetchErr.Key)
	assert.Equal(t, Unavailable, res.Outcome)
}

func TestLookupSyncDoesNotRefetchStale(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.fetcher.gate = make(chan struct{})
	require.NoError(t, fx.store.Put(cache.Record{
		Key:       "news",
		Body:      []byte("yesterday"),
		FetchedAt: fx.clock.Now().Add(-2 * time.Hour),
	}))

	// stale records are returned at once even in sync mode
	res, err := fx.coordinator.Lookup(context.Background(), "news", SyncFirstLoad)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	fx.waitStarted(t)
	close(fx.fetcher.gate)
	fx.waitIdle(t)
}

func TestLookupUnknownKey(t *testing.T) {
	fx := newCoordinatorFixture(t)

	_, err := fx.coordinator.Lookup(context.Background(), "sports", Async)
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.False(t, fx.coordinator.Has("sports"))
	assert.True(t, fx.coordinator.Has("news"))
	assert.Equal(t, int32(0), fx.fetcher.calls.Load())
}

type brokenStore struct {
	cache.Store
}

func (brokenStore) Get(string) (cache.Record, bool, error) {
	return cache.Record{}, false, errors.New("disk on fire")
}

func TestLookupStoreErrorTreatedAsAbsent(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.coordinator.store = brokenStore{fx.store}

	res, err := fx.coordinator.Lookup(context.Background(), "weather", Async)
	require.NoError(t, err)
	assert.Equal(t, Unavailable, res.Outcome)
	fx.waitIdle(t)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
}

func TestWarmLoadsAllKeys(t *testing.T) {
	fx := newCoordinatorFixture(t)

	require.NoError(t, fx.coordinator.Warm(context.Background()))
	keys, err := fx.store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"news", "weather"}, keys)
	assert.Equal(t, int32(2), fx.fetcher.calls.Load())

	// loaded keys are not fetched again
	require.NoError(t, fx.coordinator.Warm(context.Background()))
	assert.Equal(t, int32(2), fx.fetcher.calls.Load())
}

func TestWarmCollectsErrors(t *testing.T) {
	fx := newCoordinatorFixture(t,
		Key{Name: "weather", URL: "http://origin/weather"},
		Key{Name: "news", URL: "http://origin/news"},
		Key{Name: "sports", URL: "http://origin/sports"},
	)
	fx.fetcher.setFail("news")
	fx.fetcher.setFail("sports")

	err := fx.coordinator.Warm(context.Background())
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.ErrorIs(t, err, errOrigin)

	_, found, _ := fx.store.Get("weather")
	assert.True(t, found)
}

func TestKeysKeepConfigurationOrder(t *testing.T) {
	fx := newCoordinatorFixture(t,
		Key{Name: "weather", URL: "http://origin/weather"},
		Key{Name: "news", URL: "http://origin/news"},
		Key{Name: "weather", URL: "http://origin/weather2"},
	)

	keys := fx.coordinator.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, "weather", keys[0].Name)
	assert.Equal(t, "http://origin/weather2", keys[0].URL)
	assert.Equal(t, "news", keys[1].Name)
}
