// Package upstream retrieves proxied resources from their origin and
// publishes successful results into a cache.Store.
package upstream

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/calproxy/cache"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultRetryMax     = 2
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
	defaultMaxBodyBytes = 32 << 20
	userAgent           = "calproxy"
)

type Config struct {
	// Store receives every successfully fetched record.
	Store cache.Store
	// HTTPClient used for upstream requests. A pooled client is used if nil.
	HTTPClient *http.Client
	// RetryMax is the number of retries within a single fetch.
	// Zero uses the default, a negative value disables retries.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// MaxBodyBytes limits the size of a stored body. Zero uses the default.
	MaxBodyBytes int64
	Clock        clock.Clock
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Fetcher struct {
	store   cache.Store
	client  *retryablehttp.Client
	maxBody int64
	clock   clock.Clock
	log     zerolog.Logger
}

func New(config Config) *Fetcher {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "fetcher").Logger()

	client := retryablehttp.NewClient()
	if config.HTTPClient != nil {
		client.HTTPClient = config.HTTPClient
	}
	client.Logger = leveledLogger{log: logger}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RetryMax = defaultRetryMax
	if config.RetryMax < 0 {
		client.RetryMax = 0
	} else if config.RetryMax > 0 {
		client.RetryMax = config.RetryMax
	}
	client.RetryWaitMin = defaultRetryWaitMin
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	client.RetryWaitMax = defaultRetryWaitMax
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}

	f := &Fetcher{
		store:   config.Store,
		client:  client,
		maxBody: defaultMaxBodyBytes,
		clock:   config.Clock,
		log:     logger,
	}
	if config.MaxBodyBytes > 0 {
		f.maxBody = config.MaxBodyBytes
	}
	if f.clock == nil {
		f.clock = clock.New()
	}
	return f
}

// Fetch retrieves source and stores the result as the record for key.
// On failure it returns a *FetchError and leaves the store untouched.
func (f *Fetcher) Fetch(ctx context.Context, key, source string) (cache.Record, error) {
	f.log.Debug().Str("key", key).Str("url", source).Msg("Starting to load upstream")
	rec, err := f.fetch(ctx, key, source)
	if err != nil {
		return cache.Record{}, err
	}
	f.log.Debug().Str("key", key).Int("bytes", len(rec.Body)).Msg("Done updating")
	return rec, nil
}

func (f *Fetcher) fetch(ctx context.Context, key, source string) (cache.Record, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return cache.Record{}, &FetchError{Key: key, Cause: err}
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := f.client.Do(req)
	if err != nil {
		return cache.Record{}, &FetchError{Key: key, Cause: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		// drain a little so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return cache.Record{}, &FetchError{Key: key, Cause: &StatusError{Code: res.StatusCode}}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, f.maxBody+1))
	if err != nil {
		return cache.Record{}, &FetchError{Key: key, Cause: errors.Wrap(err, "read body")}
	}
	if int64(len(body)) > f.maxBody {
		return cache.Record{}, &FetchError{Key: key, Cause: ErrBodyTooLarge}
	}

	rec := cache.Record{
		Key:         key,
		Body:        body,
		ContentType: res.Header.Get("Content-Type"),
		FetchedAt:   f.clock.Now(),
	}
	if err := f.store.Put(rec); err != nil {
		return cache.Record{}, &FetchError{Key: key, Cause: errors.Wrap(err, "store record")}
	}
	return rec, nil
}
