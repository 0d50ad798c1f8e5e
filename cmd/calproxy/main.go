package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/calproxy"
	"github.com/always-cache/calproxy/cache"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	storeFlag          string
	dbFilenameFlag     string
	logFilenameFlag    string
	verbosityTraceFlag bool
	warmFlag           bool

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML settings file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on (overrides settings)")
	flag.StringVar(&storeFlag, "store", cache.ProviderMemory, "Store provider: memory, sqlite or leveldb (overrides settings)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Store file or directory (overrides settings)")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVarP(&verbosityTraceFlag, "trace", "v", false, "Verbosity: trace logging")
	flag.BoolVar(&warmFlag, "warm", false, "Load all keys before accepting requests")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		}
		defer logFileOutput.Close()
		logOutputs = append(logOutputs, logFileOutput)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("version", version).Logger()

	settings, err := loadSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid settings")
	}

	store, err := cache.Open(settings.Store.Provider, settings.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open store")
	}

	proxy, err := calproxy.New(settings.Config(store))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create proxy")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if warmFlag {
		if err := proxy.Coordinator().Warm(ctx); err != nil {
			log.Warn().Err(err).Msg("Could not load all keys")
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Listen.Port),
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	log.Info().Msgf("Serving %d keys on port %d using %s store", len(settings.Keys), settings.Listen.Port, settings.Store.Provider)

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server gracefully")
		}
		cancel()
	}

	if err := proxy.Close(); err != nil {
		log.Error().Err(err).Msg("Could not stop background fetches")
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close store")
	}
}

// loadSettings layers the settings file, the .env file, the environment and
// the command line flags, in that order.
func loadSettings() (calproxy.Settings, error) {
	settings := calproxy.DefaultSettings()
	if configFilenameFlag != "" {
		var err error
		if settings, err = calproxy.LoadSettings(configFilenameFlag); err != nil {
			return settings, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return settings, errors.Wrap(err, "could not load .env file")
	}
	if err := settings.ApplyEnv(os.Environ()); err != nil {
		return settings, err
	}

	if flag.CommandLine.Changed("port") {
		settings.Listen.Port = portFlag
	}
	if flag.CommandLine.Changed("store") {
		settings.Store.Provider = storeFlag
	}
	if flag.CommandLine.Changed("db") {
		settings.Store.Path = dbFilenameFlag
	}

	return settings, settings.Validate()
}
