// Package offlinecache keeps a chat application shell usable without a network.
//
// A Worker owns one versioned cache bucket. It is installed (core assets are
// cached), activated (stale buckets are deleted) and then answers the
// requests of the pages it controls: navigations network-first with an
// offline page as last resort, static assets cache-first. It also keeps an
// inactivity timer that the page arms and cancels through messages.
package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/inactivity"
	"github.com/always-cache/offline-cache/network"
	"github.com/always-cache/offline-cache/notify"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInstall is returned when the core assets could not be cached.
	ErrInstall = errors.New("install failed")
	// ErrUnknownMessage is returned for messages of an unknown type.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrNoWaitingWorker is returned when there is no worker to promote.
	ErrNoWaitingWorker = errors.New("no waiting worker")
	// ErrNoActiveWorker is returned when a message has no worker to go to.
	ErrNoActiveWorker = errors.New("no active worker")
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

type MessageType string

const (
	MessageStartInactivityTimer  MessageType = "START_INACTIVITY_TIMER"
	MessageCancelInactivityTimer MessageType = "CANCEL_INACTIVITY_TIMER"
	MessageSkipWaiting           MessageType = "SKIP_WAITING"
)

// Message is sent by a controlled page.
type Message struct {
	Type MessageType `json:"type"`
}

type WorkerConfig struct {
	Config Config
	// Bucket storage shared by all workers of a registration.
	Storage *cache.Storage
	// Network access. A network.Client is used if nil.
	Fetcher network.Fetcher
	// Notifier for the inactivity notification. Notifications are logged if nil.
	Notifier notify.Notifier
	// Clock for the inactivity timer. The system clock is used if nil.
	Clock inactivity.Clock
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *Metrics
}

// lifecycle is implemented by the registration a worker belongs to.
type lifecycle interface {
	skipWaiting(ctx context.Context, w *Worker) error
	claim(w *Worker)
}

type Worker struct {
	id         string
	config     Config
	scope      *url.URL
	offlineURL *url.URL
	core       map[string]bool
	storage    *cache.Storage
	fetcher    network.Fetcher
	policy     Policy
	timer      *inactivity.Timer
	log        zerolog.Logger
	metrics    *Metrics
	keepAlive  lifetime

	mu           sync.Mutex
	state        State
	skipWaiting  bool
	registration lifecycle
}

var workerCount atomic.Uint64

// NewWorker creates a worker in the parsed state.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if err := config.Config.Validate(); err != nil {
		return nil, err
	}
	if config.Storage == nil {
		return nil, errors.New("worker storage is required")
	}
	scope, _ := config.Config.ScopeURL()

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	id := config.Config.CacheName + "#" + strconv.FormatUint(workerCount.Add(1), 10)
	logger = logger.With().Str("worker", id).Logger()

	w := &Worker{
		id:      id,
		config:  config.Config,
		scope:   scope,
		storage: config.Storage,
		fetcher: config.Fetcher,
		policy:  newPolicy(config.Config),
		log:     logger,
		metrics: config.Metrics,
		state:   StateParsed,
	}
	if w.fetcher == nil {
		w.fetcher = network.NewClient(network.ClientConfig{Logger: &w.log})
	}

	var err error
	if w.offlineURL, err = w.resolve(config.Config.OfflineURL); err != nil {
		return nil, fmt.Errorf("offlineURL: %w", err)
	}
	w.core = make(map[string]bool, len(config.Config.CoreAssets))
	for _, asset := range config.Config.CoreAssets {
		u, err := w.resolve(asset)
		if err != nil {
			return nil, fmt.Errorf("coreAssets: %w", err)
		}
		w.core[w.storage.Keyer().Normalize(u)] = true
	}

	ic := config.Config.Inactivity
	w.timer = inactivity.New(inactivity.Config{
		Delay: ic.Delay,
		Notification: notify.Notification{
			Title: ic.Title,
			Body:  ic.Body,
			Icon:  ic.Icon,
			Badge: ic.Badge,
		},
		Notifier: config.Notifier,
		Clock:    config.Clock,
		Logger:   &w.log,
		OnNotify: w.metrics.RecordNotification,
	})
	return w, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) CacheName() string {
	return w.config.CacheName
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// InactivityArmed reports whether the inactivity timer is pending.
func (w *Worker) InactivityArmed() bool {
	return w.timer.Armed()
}

// NavigationPreload reports whether navigations should be started before dispatch.
func (w *Worker) NavigationPreload() bool {
	return w.config.NavigationPreload
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.log.Debug().Str("state", string(s)).Msg("Worker state changed")
}

func (w *Worker) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return w.scope.ResolveReference(u), nil
}

// Install caches the offline page and the core assets, then the third-party
// assets on a best-effort basis. It fails with ErrInstall, leaving the
// worker redundant, if the offline page or any core asset cannot be cached.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	err := w.install(newEvent(ctx, &w.keepAlive))
	w.metrics.RecordInstall(err)
	if err != nil {
		w.log.Error().Err(err).Msg("Install failed")
		w.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	w.setState(StateInstalled)
	w.log.Info().Msg("Installed")
	return nil
}

func (w *Worker) install(ev *Event) error {
	ctx := ev.Context()
	bucket, err := w.storage.Open(w.config.CacheName)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	offlineReq, err := http.NewRequestWithContext(ctx, http.MethodGet, w.offlineURL.String(), nil)
	if err != nil {
		return err
	}
	if err := bucket.Add(ctx, w.fetcher, network.Reload(offlineReq)); err != nil {
		return fmt.Errorf("offline page: %w", err)
	}

	coreReqs := make([]*http.Request, 0, len(w.config.CoreAssets))
	for _, asset := range w.config.CoreAssets {
		u, err := w.resolve(asset)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		coreReqs = append(coreReqs, req)
	}
	if err := bucket.AddAll(ctx, w.fetcher, coreReqs); err != nil {
		return fmt.Errorf("core assets: %w", err)
	}
	w.log.Debug().Int("assets", len(coreReqs)).Msg("Core assets cached")

	for _, asset := range w.config.ThirdPartyAssets {
		asset := asset
		ev.WaitUntil(func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
			if err == nil {
				err = bucket.Add(ctx, w.fetcher, req)
			}
			if err != nil {
				w.log.Warn().Err(err).Str("url", asset).Msg("Could not cache third-party asset")
			}
			return nil
		})
	}
	ev.Wait()

	return w.SkipWaiting(ctx)
}

// Activate deletes every bucket but the current one and claims the clients.
// Delete failures are logged and returned, the worker activates anyway.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	var errs error
	names, err := w.storage.Keys()
	if err != nil {
		errs = fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.config.CacheName {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.log.Error().Err(err).Str("cache", name).Msg("Could not delete stale cache")
			errs = errors.Join(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		w.metrics.RecordBucketDeleted()
		w.log.Info().Str("cache", name).Msg("Deleted stale cache")
	}
	w.setState(StateActivated)

	w.mu.Lock()
	r := w.registration
	w.mu.Unlock()
	if r != nil {
		r.claim(w)
	}
	return errs
}

// SkipWaiting asks for this worker to be activated as soon as it is installed.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	w.skipWaiting = true
	r := w.registration
	w.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.skipWaiting(ctx, w)
}

func (w *Worker) skipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// NewFetchEvent creates a fetch event whose background work keeps this worker alive.
func (w *Worker) NewFetchEvent(ctx context.Context, req *http.Request) *FetchEvent {
	return newFetchEvent(ctx, req, &w.keepAlive)
}

// Fetch answers the request of the event.
// It returns false if the request is not intercepted and should go to the network as is.
func (w *Worker) Fetch(ev *FetchEvent) (*http.Response, bool) {
	req := ev.Request
	if w.State() == StateRedundant {
		w.metrics.RecordRequest(CategoryBypass, "", outcomeRedundant)
		return nil, false
	}
	if excludedHost(req.URL.Hostname(), w.config.ExcludedHosts) {
		w.metrics.RecordRequest(CategoryBypass, "", outcomeExcluded)
		return nil, false
	}
	if req.Method != http.MethodGet {
		w.metrics.RecordRequest(CategoryBypass, "", outcomeMethod)
		return nil, false
	}

	category := w.categorize(ev)
	strategy := w.policy.StrategyFor(category, req)

	// requests never create the bucket, only install does
	bucket, ok, err := w.storage.Lookup(w.config.CacheName)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not open cache")
	} else if !ok {
		w.log.Warn().Msg("Cache is missing, serving from the network only")
	}

	cs := cachestatus.CacheStatus{}
	var res *http.Response
	var outcome string
	switch strategy {
	case NetworkFirst:
		res, outcome = w.networkFirst(ev, bucket, &cs)
	case StaleWhileRevalidate:
		res, outcome = w.staleWhileRevalidate(ev, bucket, &cs)
	case NetworkOnly:
		res, outcome = w.networkOnly(ev, bucket, &cs)
	default:
		res, outcome = w.cacheFirst(ev, bucket, &cs)
	}

	if res.Header == nil {
		res.Header = http.Header{}
	}
	cs.Apply(res.Header)
	w.metrics.RecordRequest(category, strategy, outcome)
	w.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("category", string(category)).
		Str("strategy", string(strategy)).
		Int("status", res.StatusCode).
		Str("cache-status", cs.String()).
		Msg("Handled request")
	return res, true
}

func (w *Worker) categorize(ev *FetchEvent) Category {
	if ev.IsNavigation() {
		return CategoryNavigation
	}
	if w.core[w.storage.Keyer().Normalize(ev.Request.URL)] {
		return CategoryStatic
	}
	return CategoryOpportunistic
}

// Message handles a message from a controlled page.
func (w *Worker) Message(ctx context.Context, m Message) error {
	switch m.Type {
	case MessageStartInactivityTimer:
		w.timer.Start()
	case MessageCancelInactivityTimer:
		w.timer.Cancel()
	case MessageSkipWaiting:
		return w.SkipWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return nil
}

// Close makes the worker redundant. It cancels the inactivity timer
// and waits for outstanding background work.
func (w *Worker) Close() {
	w.timer.Close()
	w.keepAlive.close()
	w.setState(StateRedundant)
}
