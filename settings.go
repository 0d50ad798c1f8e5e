package calproxy

import (
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/calproxy/cache"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	envKeyPrefix = "URL_"
	envAuthUser  = "AUTHUSER"
	envAuthPass  = "AUTHPASS"
	envCacheTime = "cachetime"
	envPort      = "listenport"
)

// Settings is the runtime configuration of the proxy.
type Settings struct {
	Listen    ListenSettings  `yaml:"listen"`
	Freshness string          `yaml:"freshness"`
	Auth      AuthSettings    `yaml:"auth"`
	Store     StoreSettings   `yaml:"store"`
	Fetch     FetchSettings   `yaml:"fetch"`
	Backoff   BackoffSettings `yaml:"backoff"`
	Keys      []KeySettings   `yaml:"keys"`

	freshness time.Duration
}

type ListenSettings struct {
	Port int `yaml:"port"`
}

type AuthSettings struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type StoreSettings struct {
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

type FetchSettings struct {
	Timeout       string `yaml:"timeout"`
	RetryMax      int    `yaml:"retryMax"`
	MaxConcurrent int64  `yaml:"maxConcurrent"`
	MaxBodyBytes  int64  `yaml:"maxBodyBytes"`

	timeout time.Duration
}

type BackoffSettings struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`

	min, max time.Duration
}

type KeySettings struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Freshness string `yaml:"freshness"`

	freshness time.Duration
}

// DefaultSettings returns settings with all defaults filled in and no keys.
func DefaultSettings() Settings {
	return Settings{
		Listen: ListenSettings{Port: 8080},
		Store:  StoreSettings{Provider: cache.ProviderMemory},
	}
}

// LoadSettings reads a YAML settings file on top of the defaults.
func LoadSettings(filename string) (Settings, error) {
	settings := DefaultSettings()
	b, err := os.ReadFile(filename)
	if err != nil {
		return settings, errors.Wrap(err, "could not read settings file")
	}
	if err := yaml.Unmarshal(b, &settings); err != nil {
		return settings, errors.Wrapf(err, "could not parse settings file %s", filename)
	}
	return settings, nil
}

// ApplyEnv overrides settings from environment variables given in
// "NAME=value" form, as returned by os.Environ.
// Every URL_<name> variable defines or replaces the key <name>.
func (s *Settings) ApplyEnv(environ []string) error {
	var envKeys []KeySettings
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(name, envKeyPrefix) && len(name) > len(envKeyPrefix):
			envKeys = append(envKeys, KeySettings{Name: strings.TrimPrefix(name, envKeyPrefix), URL: value})
		case name == envAuthUser:
			s.Auth.User = value
		case name == envAuthPass:
			s.Auth.Password = value
		case name == envCacheTime:
			seconds, err := strconv.Atoi(value)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", envCacheTime)
			}
			s.Freshness = (time.Duration(seconds) * time.Second).String()
		case name == envPort:
			port, err := strconv.Atoi(value)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", envPort)
			}
			s.Listen.Port = port
		}
	}

	// os.Environ has no defined order
	sort.Slice(envKeys, func(i, j int) bool { return envKeys[i].Name < envKeys[j].Name })
	for _, k := range envKeys {
		s.setKey(k)
	}
	return nil
}

func (s *Settings) setKey(k KeySettings) {
	for i := range s.Keys {
		if s.Keys[i].Name == k.Name {
			s.Keys[i].URL = k.URL
			return
		}
	}
	s.Keys = append(s.Keys, k)
}

// Validate checks the settings and parses all durations.
// It must be called before KeyList or the duration getters.
func (s *Settings) Validate() error {
	var err error
	if s.freshness, err = parseFreshness("freshness", s.Freshness); err != nil {
		return err
	}
	if s.Fetch.timeout, err = parseDuration("fetch.timeout", s.Fetch.Timeout); err != nil {
		return err
	}
	if s.Backoff.min, err = parseDuration("backoff.min", s.Backoff.Min); err != nil {
		return err
	}
	if s.Backoff.max, err = parseDuration("backoff.max", s.Backoff.Max); err != nil {
		return err
	}
	if s.Listen.Port <= 0 || s.Listen.Port > 65535 {
		return errors.Errorf("invalid listen port %d", s.Listen.Port)
	}
	if len(s.Keys) == 0 {
		return errors.New("no keys configured")
	}

	seen := make(map[string]bool, len(s.Keys))
	for i := range s.Keys {
		k := &s.Keys[i]
		if k.Name == "" {
			return errors.Errorf("keys[%d]: name is required", i)
		}
		if seen[k.Name] {
			return errors.Errorf("keys[%d]: duplicate key %q", i, k.Name)
		}
		seen[k.Name] = true

		u, err := url.Parse(k.URL)
		if err != nil {
			return errors.Wrapf(err, "keys[%d]: invalid url", i)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Errorf("keys[%d]: url %q must be http or https", i, k.URL)
		}
		if k.freshness, err = parseFreshness("keys["+strconv.Itoa(i)+"].freshness", k.Freshness); err != nil {
			return err
		}
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrap(err, field)
	}
	if d < 0 {
		return 0, errors.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

// parseFreshness is parseDuration, except that an explicit zero means a zero
// window rather than the default one.
func parseFreshness(field, value string) (time.Duration, error) {
	d, err := parseDuration(field, value)
	if err == nil && value != "" && d == 0 {
		return NoFreshness, nil
	}
	return d, err
}

// KeyList returns the configured keys.
func (s Settings) KeyList() []Key {
	keys := make([]Key, 0, len(s.Keys))
	for _, k := range s.Keys {
		keys = append(keys, Key{Name: k.Name, URL: k.URL, Freshness: k.freshness})
	}
	return keys
}

// Config builds a proxy configuration from validated settings.
func (s Settings) Config(store cache.Store) Config {
	return Config{
		Store:         store,
		Keys:          s.KeyList(),
		Freshness:     s.freshness,
		Auth:          Credentials{User: s.Auth.User, Password: s.Auth.Password},
		FetchTimeout:  s.Fetch.timeout,
		RetryMax:      s.Fetch.RetryMax,
		MaxConcurrent: s.Fetch.MaxConcurrent,
		MaxBodyBytes:  s.Fetch.MaxBodyBytes,
		BackoffMin:    s.Backoff.min,
		BackoffMax:    s.Backoff.max,
	}
}
