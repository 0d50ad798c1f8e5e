// Package calproxy serves a fixed set of remote HTTP resources through a
// time-based cache. Outdated entries are served while they are refreshed in
// the background, so clients never wait on upstream latency once a resource
// has been loaded.
package calproxy

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/calproxy/cache"
	"github.com/always-cache/calproxy/metrics"
	"github.com/always-cache/calproxy/pkg/refresh"
	"github.com/always-cache/calproxy/pkg/upstream"
	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// rootKey is the key served at "/".
const rootKey = "root"

const unauthorizedMessage = "Could not verify your access level for that URL.\n" +
	"You have to login with proper credentials"

// Credentials for HTTP basic auth. Auth is required only when both the user
// and the password are set.
type Credentials struct {
	User     string
	Password string
}

func (c Credentials) enabled() bool {
	return c.User != "" && c.Password != ""
}

func (c Credentials) match(user, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.User)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	return userOK && passwordOK
}

type Config struct {
	// Storage for records.
	Store cache.Store
	// Keys to serve, one per upstream URL.
	Keys []Key
	// Default freshness window. Zero means DefaultFreshness, NoFreshness
	// means a zero window.
	Freshness time.Duration
	Auth      Credentials
	// Fetcher overrides the HTTP fetcher built from the fields below.
	Fetcher refresh.Fetcher
	// HTTPClient used for upstream requests.
	HTTPClient   *http.Client
	FetchTimeout time.Duration
	RetryMax     int
	MaxBodyBytes int64
	// MaxConcurrent caps simultaneous upstream fetches. Zero means no cap.
	MaxConcurrent  int64
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	DisableBackoff bool
	Clock          clock.Clock
	// Metrics collectors. New ones are created if nil.
	Metrics *metrics.Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy is the http.Handler serving cached resources.
type Proxy struct {
	coordinator *Coordinator
	scheduler   *refresh.Scheduler
	metrics     *metrics.Metrics
	auth        Credentials
	router      chi.Router
	log         zerolog.Logger
}

// New wires the store, fetcher, scheduler and coordinator together.
// Close must be called to stop background fetches.
func New(config Config) (*Proxy, error) {
	if config.Store == nil {
		return nil, errors.New("no store configured")
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = upstream.New(upstream.Config{
			Store:        config.Store,
			HTTPClient:   config.HTTPClient,
			RetryMax:     config.RetryMax,
			MaxBodyBytes: config.MaxBodyBytes,
			Clock:        config.Clock,
			Logger:       &logger,
		})
	}

	scheduler := refresh.New(refresh.Config{
		Fetcher:        fetcher,
		Timeout:        config.FetchTimeout,
		MaxConcurrent:  config.MaxConcurrent,
		BackoffMin:     config.BackoffMin,
		BackoffMax:     config.BackoffMax,
		DisableBackoff: config.DisableBackoff,
		Jitter:         true,
		Clock:          config.Clock,
		Logger:         &logger,
		OnComplete: func(o refresh.Outcome) {
			m.ObserveFetch(o.Key, o.Duration, len(o.Record.Body), o.Err)
		},
	})
	m.TrackInFlight(scheduler.Len)
	m.TrackStored(func() int {
		keys, err := config.Store.Keys()
		if err != nil {
			logger.Error().Err(err).Msg("Could not list stored keys")
			return 0
		}
		return len(keys)
	})

	p := &Proxy{
		coordinator: NewCoordinator(CoordinatorConfig{
			Store:     config.Store,
			Refresher: scheduler,
			Keys:      config.Keys,
			Freshness: config.Freshness,
			Clock:     config.Clock,
			Observer:  m,
			Logger:    &logger,
		}),
		scheduler: scheduler,
		metrics:   m,
		auth:      config.Auth,
		log:       logger,
	}
	p.router = p.routes()
	return p, nil
}

func (p *Proxy) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(p.metrics.Middleware)
	r.Use(p.recoverer)

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Method(method, "/metrics", p.metrics.Handler())
		r.MethodFunc(method, "/health", p.health)
		r.MethodFunc(method, "/", p.serveKey)
		r.MethodFunc(method, "/{path}", p.serveKey)
	}
	return r
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// Coordinator returns the coordinator answering lookups.
func (p *Proxy) Coordinator() *Coordinator {
	return p.coordinator
}

// Close stops background fetches and waits for running ones to end.
func (p *Proxy) Close() error {
	return p.scheduler.Close()
}

// recoverer recovers from panics and answers with an internal server error.
func (p *Proxy) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				p.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in request handler")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// health loads every key that has not been loaded yet.
// It is meant to be polled, which keeps the cache warm.
func (p *Proxy) health(w http.ResponseWriter, r *http.Request) {
	if err := p.coordinator.Warm(r.Context()); err != nil {
		p.log.Warn().Err(err).Msg("Could not warm cache")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	io.WriteString(w, "OK")
}

func (p *Proxy) serveKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "path")
	if name == "" {
		name = rootKey
	}
	// unconfigured paths get an empty response without requiring auth
	if !p.coordinator.Has(name) {
		return
	}

	if p.auth.enabled() {
		user, password, ok := r.BasicAuth()
		if !ok || !p.auth.match(user, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Login Required"`)
			http.Error(w, unauthorizedMessage, http.StatusUnauthorized)
			return
		}
	}

	res, err := p.coordinator.Lookup(r.Context(), name, Async)
	if err != nil {
		p.log.Error().Err(err).Str("key", name).Msg("Lookup failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	cs := cacheStatusFor(res)
	w.Header().Set("Cache-Status", cs.String())
	p.logRequest(r, name, cs)

	if res.Outcome == Unavailable {
		http.Error(w, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
		return
	}
	if res.Record.ContentType != "" {
		w.Header().Set("Content-Type", res.Record.ContentType)
	}
	if _, err := w.Write(res.Record.Body); err != nil {
		p.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (p *Proxy) logRequest(r *http.Request, key string, cs CacheStatus) {
	p.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("key", key).
		Str("status", cs.String()).
		Int("failures", p.scheduler.Failures(key)).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
