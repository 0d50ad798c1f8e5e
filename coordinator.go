package calproxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/always-cache/calproxy/cache"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultFreshness is the freshness window used when none is configured.
const DefaultFreshness = time.Hour

// NoFreshness configures a zero freshness window: a record is stale as soon
// as it has any age.
const NoFreshness time.Duration = -1

const warmConcurrency = 4

var ErrUnknownKey = errors.New("unknown cache key")

// Key is one proxied resource.
type Key struct {
	Name string
	// URL of the upstream resource.
	URL string
	// Freshness overrides the global freshness window if non-zero.
	// NoFreshness sets a zero window.
	Freshness time.Duration
}

// Mode selects what a lookup does when the key has no record yet.
type Mode int

const (
	// Async launches a background fetch and reports Unavailable.
	Async Mode = iota
	// SyncFirstLoad waits for the first fetch and returns the record.
	SyncFirstLoad
)

type Outcome int

const (
	// Unavailable means the key has never been fetched successfully.
	Unavailable Outcome = iota
	// Fresh means the record is within its freshness window.
	Fresh
	// Stale means the record is outdated and a refresh has been requested.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unavailable"
	}
}

// Result is the answer to one lookup.
type Result struct {
	Outcome Outcome
	// Record is set for Fresh and Stale results.
	Record cache.Record
	Age    time.Duration
	// TTL is the remaining freshness lifetime of a Fresh record.
	TTL time.Duration
}

// Refresher runs fetches with at most one in flight per key.
type Refresher interface {
	LaunchAsync(key, source string) bool
	RunSync(ctx context.Context, key, source string) (cache.Record, error)
}

// LookupObserver is told about the outcome of every lookup.
type LookupObserver interface {
	ObserveLookup(key, outcome string)
}

type CoordinatorConfig struct {
	Store     cache.Store
	Refresher Refresher
	Keys      []Key
	// Freshness is the default freshness window. Zero means DefaultFreshness,
	// NoFreshness means a zero window.
	Freshness time.Duration
	Clock     clock.Clock
	Observer  LookupObserver
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type coordinatorKey struct {
	Key
	window time.Duration
}

// Coordinator decides for every lookup whether to serve the stored record,
// refresh it in the background, or fetch it for the first time.
type Coordinator struct {
	store     cache.Store
	refresher Refresher
	keys      map[string]coordinatorKey
	order     []string
	clock     clock.Clock
	observer  LookupObserver
	log       zerolog.Logger
}

func NewCoordinator(config CoordinatorConfig) *Coordinator {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	window := config.Freshness
	if window == 0 {
		window = DefaultFreshness
	}
	window = max(window, 0)

	c := &Coordinator{
		store:     config.Store,
		refresher: config.Refresher,
		keys:      make(map[string]coordinatorKey, len(config.Keys)),
		clock:     config.Clock,
		observer:  config.Observer,
		log:       logger,
	}
	for _, k := range config.Keys {
		ck := coordinatorKey{Key: k, window: window}
		if k.Freshness != 0 {
			ck.window = max(k.Freshness, 0)
		}
		if _, dup := c.keys[k.Name]; !dup {
			c.order = append(c.order, k.Name)
		}
		c.keys[k.Name] = ck
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	return c
}

// Keys returns the configured keys in configuration order.
func (c *Coordinator) Keys() []Key {
	keys := make([]Key, 0, len(c.order))
	for _, name := range c.order {
		keys = append(keys, c.keys[name].Key)
	}
	return keys
}

// Has reports whether name is a configured key.
func (c *Coordinator) Has(name string) bool {
	_, ok := c.keys[name]
	return ok
}

// Lookup returns what to serve for the key.
//
// An absent record yields Unavailable after launching a background fetch,
// or, with SyncFirstLoad, the freshly fetched record. A record older than
// its freshness window, or dated in the future, is returned as Stale and
// a background refresh is requested. Background fetch errors are never
// returned here; only a failing synchronous first load is.
func (c *Coordinator) Lookup(ctx context.Context, name string, mode Mode) (Result, error) {
	k, ok := c.keys[name]
	if !ok {
		return Result{}, ErrUnknownKey
	}
	log := c.log.With().Str("key", name).Logger()

	rec, found, err := c.store.Get(name)
	if err != nil {
		log.Error().Err(err).Msg("Could not read from store")
		found = false
	}

	if !found {
		if mode == SyncFirstLoad {
			log.Debug().Msg("No data, loading synchronously")
			rec, err := c.refresher.RunSync(ctx, name, k.URL)
			if err != nil {
				c.observe(name, Unavailable)
				return Result{Outcome: Unavailable}, err
			}
			return c.classify(k, rec, false), nil
		}
		log.Debug().Msg("No data, spawning async update")
		c.refresher.LaunchAsync(name, k.URL)
		c.observe(name, Unavailable)
		return Result{Outcome: Unavailable}, nil
	}

	return c.classify(k, rec, true), nil
}

// classify computes freshness for a record and requests a refresh when it is
// stale and refreshing is allowed.
func (c *Coordinator) classify(k coordinatorKey, rec cache.Record, refresh bool) Result {
	age := rec.Age(c.clock.Now())
	res := Result{Record: rec, Age: age}
	if age > k.window || age < 0 {
		c.log.Debug().Str("key", k.Name).Dur("age", age).Msg("Old data, returning stale data")
		if refresh {
			c.refresher.LaunchAsync(k.Name, k.URL)
		}
		res.Outcome = Stale
	} else {
		res.Outcome = Fresh
		res.TTL = k.window - age
	}
	c.observe(k.Name, res.Outcome)
	return res
}

func (c *Coordinator) observe(name string, outcome Outcome) {
	if c.observer != nil {
		c.observer.ObserveLookup(name, outcome.String())
	}
}

// Warm looks up every key with SyncFirstLoad, fetching the ones that have
// never been loaded and refreshing stale ones in the background.
// It returns the combined errors of all keys that could not be loaded.
func (c *Coordinator) Warm(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	g.SetLimit(warmConcurrency)
	for _, name := range c.order {
		name := name
		g.Go(func() error {
			if _, err := c.Lookup(ctx, name, SyncFirstLoad); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs.ErrorOrNil()
}
