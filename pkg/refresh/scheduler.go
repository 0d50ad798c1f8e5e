// Package refresh runs upstream fetches in the background while making sure
// that at most one fetch per key is in flight at any time.
//
// A key enters the in-flight set right before its fetch starts and leaves it
// right after the fetch returns, whatever the outcome. Checking membership and
// inserting happen under one lock, so two callers can never both launch a
// fetch for the same key.
//
// Every launched fetch is supervised: it runs under the scheduler's context,
// is tracked for shutdown, and its outcome is reported to an optional hook.
// Keys whose fetches keep failing are backed off exponentially.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/always-cache/calproxy/cache"
	"github.com/always-cache/calproxy/pkg/upstream"
	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	ErrClosed  = errors.New("scheduler closed")
	ErrBackoff = errors.New("backing off after failed fetches")
)

const (
	defaultTimeout    = 30 * time.Second
	defaultBackoffMin = time.Second
	defaultBackoffMax = 5 * time.Minute
)

// Fetcher retrieves the resource for one key and stores the result.
type Fetcher interface {
	Fetch(ctx context.Context, key, source string) (cache.Record, error)
}

// Outcome describes one completed fetch.
type Outcome struct {
	Key      string
	Record   cache.Record
	Err      error
	Duration time.Duration
	// Async is true for fetches started by LaunchAsync.
	Async bool
}

type Config struct {
	Fetcher Fetcher
	// Timeout bounds a single fetch. Zero uses the default, a negative
	// value disables the timeout.
	Timeout time.Duration
	// MaxConcurrent caps fetches running at once across all keys.
	// Zero means no cap.
	MaxConcurrent int64
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	// DisableBackoff relaunches failing keys without waiting.
	DisableBackoff bool
	// Jitter randomizes backoff durations.
	Jitter bool
	Clock  clock.Clock
	// OnComplete is called after every fetch, once the key has left the
	// in-flight set.
	OnComplete func(Outcome)
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type flight struct {
	done chan struct{}
	rec  cache.Record
	err  error
}

type failure struct {
	count   int
	retryAt time.Time
}

type Scheduler struct {
	fetcher    Fetcher
	timeout    time.Duration
	sem        *semaphore.Weighted
	backoff    *backoff.Backoff
	clock      clock.Clock
	onComplete func(Outcome)
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*flight
	failures map[string]failure
	closed   bool
}

func New(config Config) *Scheduler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	s := &Scheduler{
		fetcher:    config.Fetcher,
		timeout:    defaultTimeout,
		clock:      config.Clock,
		onComplete: config.OnComplete,
		log:        logger.With().Str("component", "scheduler").Logger(),
		inflight:   make(map[string]*flight),
		failures:   make(map[string]failure),
	}
	if config.Timeout != 0 {
		s.timeout = config.Timeout
	}
	if config.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(config.MaxConcurrent)
	}
	if !config.DisableBackoff {
		s.backoff = &backoff.Backoff{
			Min:    defaultBackoffMin,
			Max:    defaultBackoffMax,
			Factor: 2,
			Jitter: config.Jitter,
		}
		if config.BackoffMin > 0 {
			s.backoff.Min = config.BackoffMin
		}
		if config.BackoffMax > 0 {
			s.backoff.Max = config.BackoffMax
		}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// LaunchAsync starts a background fetch of source for key and returns true.
// It returns false without doing anything if a fetch for key is already in
// flight, the key is backing off, or the scheduler is closed.
// It never blocks on the fetch.
func (s *Scheduler) LaunchAsync(key, source string) bool {
	f, _, err := s.acquire(key)
	if err != nil {
		s.log.Trace().Err(err).Str("key", key).Msg("Not starting fetch")
		return false
	}
	if f == nil {
		s.log.Trace().Str("key", key).Msg("Fetch already in flight")
		return false
	}
	go s.run(s.ctx, key, source, f, true)
	s.log.Debug().Str("key", key).Msg("Spawned background fetch")
	return true
}

// RunSync fetches source for key and waits for the record. If a fetch for
// key is already in flight, it waits for that fetch and returns its outcome
// instead of starting another one.
//
// Canceling ctx only stops the wait. The fetch itself runs to completion
// under the scheduler's context and timeout, so other waiters still get its
// result.
func (s *Scheduler) RunSync(ctx context.Context, key, source string) (cache.Record, error) {
	f, existing, err := s.acquire(key)
	if err == ErrBackoff {
		return cache.Record{}, &upstream.FetchError{Key: key, Cause: err}
	}
	if err != nil {
		return cache.Record{}, err
	}
	if existing != nil {
		s.log.Trace().Str("key", key).Msg("Joining in-flight fetch")
		f = existing
	} else {
		go s.run(s.ctx, key, source, f, false)
	}

	select {
	case <-f.done:
		return f.rec, f.err
	case <-ctx.Done():
		return cache.Record{}, ctx.Err()
	}
}

// acquire atomically checks the in-flight set and claims the slot for key.
// If another fetch holds the slot, its flight is returned as existing.
func (s *Scheduler) acquire(key string) (f *flight, existing *flight, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	if cur, ok := s.inflight[key]; ok {
		return nil, cur, nil
	}
	if fl, ok := s.failures[key]; ok && s.clock.Now().Before(fl.retryAt) {
		return nil, nil, ErrBackoff
	}
	f = &flight{done: make(chan struct{})}
	s.inflight[key] = f
	s.wg.Add(1)
	return f, nil, nil
}

func (s *Scheduler) run(ctx context.Context, key, source string, f *flight, async bool) {
	defer s.wg.Done()
	start := s.clock.Now()

	rec, err := s.fetch(ctx, key, source)
	s.release(key, f, rec, err)

	outcome := Outcome{
		Key:      key,
		Record:   rec,
		Err:      err,
		Duration: s.clock.Since(start),
		Async:    async,
	}
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Bool("async", async).Msg("Fetch failed")
	} else {
		s.log.Debug().Str("key", key).Bool("async", async).Dur("duration", outcome.Duration).Msg("Fetch completed")
	}
	if s.onComplete != nil {
		s.onComplete(outcome)
	}
}

func (s *Scheduler) fetch(ctx context.Context, key, source string) (cache.Record, error) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return cache.Record{}, err
		}
		defer s.sem.Release(1)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.fetcher.Fetch(ctx, key, source)
}

// release removes key from the in-flight set and publishes the result to
// anyone waiting on the flight.
func (s *Scheduler) release(key string, f *flight, rec cache.Record, err error) {
	s.mu.Lock()
	delete(s.inflight, key)
	switch {
	case s.ctx.Err() != nil:
		// canceled by Close, not an upstream failure
	case err == nil || s.backoff == nil:
		delete(s.failures, key)
	default:
		fl := s.failures[key]
		fl.count++
		fl.retryAt = s.clock.Now().Add(s.backoff.ForAttempt(float64(fl.count - 1)))
		s.failures[key] = fl
	}
	s.mu.Unlock()

	f.rec, f.err = rec, err
	close(f.done)
}

// InFlight reports whether a fetch for key is currently running.
func (s *Scheduler) InFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// Len returns the number of fetches currently running.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Failures returns the number of consecutive failed fetches for key.
func (s *Scheduler) Failures(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[key].count
}

// Close cancels running fetches and waits for them to finish.
// Later launches are refused.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}
