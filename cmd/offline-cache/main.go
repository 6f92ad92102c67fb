package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/network"
	"github.com/always-cache/offline-cache/notify"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	scopeFlag          string
	providerFlag       string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&scopeFlag, "scope", "", "Application URL the worker controls (overrides config)")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache provider to use (sqlite, leveldb or memory)")
	flag.StringVar(&dbFilenameFlag, "db", "offline-cache.db", "Cache DB file or directory name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

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
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := offlinecache.DefaultConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = offlinecache.LoadConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}
	if scopeFlag != "" {
		config.Scope = scopeFlag
	}
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	scope, _ := config.ScopeURL()

	provider, err := newProvider(providerFlag, dbFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache provider")
	}
	defer provider.Close()

	metrics := offlinecache.NewMetrics()
	storage := cache.NewStorage(cache.Config{
		Provider: provider,
		Scope:    scope,
	})
	fetcher := network.NewClient(network.ClientConfig{})

	notifier := notify.Multi{notify.Log{}}
	if config.Inactivity.Webhook != "" {
		notifier = append(notifier, notify.Webhook{URL: config.Inactivity.Webhook})
	}

	newWorker := func() (*offlinecache.Worker, error) {
		return offlinecache.NewWorker(offlinecache.WorkerConfig{
			Config:   config,
			Storage:  storage,
			Fetcher:  fetcher,
			Notifier: notifier,
			Metrics:  metrics,
		})
	}

	registration := offlinecache.NewRegistration(nil)
	defer registration.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// install in the background, requests pass through until a worker controls them
	go func() {
		worker, err := newWorker()
		if err != nil {
			log.Error().Err(err).Msg("Could not create worker")
			return
		}
		if err := registration.Register(ctx, worker); err != nil {
			log.Error().Err(err).Msg("Could not register worker")
		}
	}()

	handler := offlinecache.NewHandler(offlinecache.HandlerConfig{
		Registration: registration,
		Storage:      storage,
		Fetcher:      fetcher,
		Scope:        scope,
		NewWorker:    newWorker,
		Metrics:      metrics,
	})
	defer handler.Close()

	addr := fmt.Sprintf(":%d", portFlag)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Could not listen")
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Msgf("Serving %s on port %d (cache %s, provider %s)", scope, portFlag, config.CacheName, providerFlag)
	if err := serve(ctx, srv, ln, 10*time.Second); err != nil {
		log.Error().Err(err).Msg("Server error")
	}
}

// serve runs srv on ln until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down: %w", err)
	}
	return nil
}

func newProvider(name, filename string) (cache.CacheProvider, error) {
	switch name {
	case "sqlite":
		// set up sqlite memory provider
		if filename == "memory" {
			filename = ""
		}
		return cache.NewSQLiteCache(filename)
	case "leveldb":
		if filename == "memory" {
			filename = ""
		}
		return cache.NewLevelDBCache(filename)
	case "memory":
		return cache.NewMemCache(), nil
	}
	return nil, fmt.Errorf("unknown cache provider %q", name)
}
