package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/network"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// ControlPath is the path prefix of the control endpoints.
const ControlPath = "/.offline-cache"

type HandlerConfig struct {
	Registration *Registration
	// Bucket storage, used for reporting status.
	Storage *cache.Storage
	// Network access for requests no worker handles. A network.Client is used if nil.
	Fetcher network.Fetcher
	// Origin that relative request URLs belong to.
	Scope *url.URL
	// Creates the worker installed on POST /update. Updates are disabled if nil.
	NewWorker func() (*Worker, error)
	// Optional metrics, served on GET /metrics.
	Metrics *Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Handler routes the requests of controlled pages through the controlling
// worker and serves the control endpoints.
type Handler struct {
	registration *Registration
	storage      *cache.Storage
	fetcher      network.Fetcher
	scope        *url.URL
	newWorker    func() (*Worker, error)
	metrics      *Metrics
	log          zerolog.Logger
	router       chi.Router
	updates      sync.WaitGroup
}

func NewHandler(config HandlerConfig) *Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	h := &Handler{
		registration: config.Registration,
		storage:      config.Storage,
		fetcher:      config.Fetcher,
		scope:        config.Scope,
		newWorker:    config.NewWorker,
		metrics:      config.Metrics,
		log:          logger,
	}
	if h.fetcher == nil {
		h.fetcher = network.NewClient(network.ClientConfig{Logger: &h.log})
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(h.log))
	r.Use(hlog.RequestIDHandler("req_id", ""))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Access")
	}))
	r.Use(h.forwardProxy)
	r.Route(ControlPath, func(r chi.Router) {
		r.Post("/messages", h.postMessage)
		r.Get("/status", h.getStatus)
		r.Post("/update", h.postUpdate)
		r.Handle("/metrics", h.metrics.Handler())
	})
	r.NotFound(h.dispatch)
	r.MethodNotAllowed(h.dispatch)
	h.router = r
	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close waits for running updates.
func (h *Handler) Close() {
	h.updates.Wait()
}

// forwardProxy dispatches requests for other origins without routing,
// so that the control endpoints exist only on the scope origin.
func (h *Handler) forwardProxy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.IsAbs() && (h.scope == nil || !sameOrigin(r.URL, h.scope)) {
			h.dispatch(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	req := h.outgoing(r)
	worker := h.registration.Controller()
	if worker == nil {
		h.passThrough(w, req, cachestatus.FwdBypass)
		return
	}
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	defer h.escapeHatch(ww, req)

	ev := worker.NewFetchEvent(r.Context(), req)
	if worker.NavigationPreload() && ev.IsNavigation() {
		// the preload may serve background revalidation after the response is sent
		ctx := context.WithoutCancel(r.Context())
		preloadReq := req.Clone(ctx)
		preloadReq.Header.Set("Service-Worker-Navigation-Preload", "true")
		ev.Preload = network.Start(ctx, h.fetcher, preloadReq)
	}
	defer func() {
		// background work outlives the response
		go func() {
			if err := ev.Wait(); err != nil {
				h.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Background work failed")
			}
			if ev.Preload != nil {
				ev.Preload.Discard()
			}
		}()
	}()

	res, ok := worker.Fetch(ev)
	if !ok {
		reason := cachestatus.FwdBypass
		if req.Method != http.MethodGet {
			reason = cachestatus.FwdMethod
		}
		h.passThrough(ww, req, reason)
		return
	}
	h.send(ww, res)
}

// escapeHatch answers a request from the network if the worker panicked.
// Once the response has started the connection is aborted instead.
func (h *Handler) escapeHatch(w middleware.WrapResponseWriter, req *http.Request) {
	if err := recover(); err != nil {
		if w.Status() != 0 {
			h.log.Error().Interface("panic", err).Str("url", req.URL.String()).Msg("Worker panicked after responding")
			panic(http.ErrAbortHandler)
		}
		h.log.Error().Interface("panic", err).Str("url", req.URL.String()).Msg("Worker panicked, passing request through")
		h.passThrough(w, req, cachestatus.FwdBypass)
	}
}

// outgoing returns a copy of the request with an absolute URL.
func (h *Handler) outgoing(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	if !req.URL.IsAbs() && h.scope != nil {
		req.URL.Scheme = h.scope.Scheme
		req.URL.Host = h.scope.Host
	}
	req.Host = req.URL.Host
	return req
}

func (h *Handler) passThrough(w http.ResponseWriter, req *http.Request, reason cachestatus.FwdReason) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)
	res, err := h.fetcher.Fetch(req.Context(), req)
	if err != nil {
		h.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not pass request through")
		cs.Apply(w.Header())
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	cs.Apply(res.Header)
	h.send(w, res)
}

func (h *Handler) send(w http.ResponseWriter, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
	h.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "malformed message: "+err.Error(), http.StatusBadRequest)
		return
	}
	err := h.registration.Message(r.Context(), m)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoActiveWorker):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.log.Error().Err(err).Str("type", string(m.Type)).Msg("Could not handle message")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type WorkerStatus struct {
	ID              string `json:"id"`
	State           State  `json:"state"`
	CacheName       string `json:"cacheName"`
	InactivityArmed bool   `json:"inactivityArmed"`
}

type Status struct {
	Controller *WorkerStatus `json:"controller"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Installing *WorkerStatus `json:"installing,omitempty"`
	Caches     []string      `json:"caches"`
	// Number of entries in the bucket of the controller.
	Entries int `json:"entries"`
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		ID:              w.ID(),
		State:           w.State(),
		CacheName:       w.CacheName(),
		InactivityArmed: w.InactivityArmed(),
	}
}

func (h *Handler) status() (Status, error) {
	controller := h.registration.Controller()
	s := Status{
		Controller: workerStatus(controller),
		Waiting:    workerStatus(h.registration.Waiting()),
		Installing: workerStatus(h.registration.Installing()),
		Caches:     []string{},
	}
	if h.storage == nil {
		return s, nil
	}
	names, err := h.storage.Keys()
	if err != nil {
		return s, err
	}
	s.Caches = append(s.Caches, names...)
	if controller == nil {
		return s, nil
	}
	if ok, err := h.storage.Has(controller.CacheName()); err != nil || !ok {
		return s, err
	}
	bucket, err := h.storage.Open(controller.CacheName())
	if err != nil {
		return s, err
	}
	reqs, err := bucket.Requests()
	s.Entries = len(reqs)
	return s, err
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.status()
	if err != nil {
		h.log.Error().Err(err).Msg("Could not read cache status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.log.Error().Err(err).Msg("Could not write status")
	}
}

func (h *Handler) postUpdate(w http.ResponseWriter, r *http.Request) {
	if h.newWorker == nil {
		http.Error(w, "updates are disabled", http.StatusServiceUnavailable)
		return
	}
	worker, err := h.newWorker()
	if err != nil {
		h.log.Error().Err(err).Msg("Could not create worker")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.updates.Add(1)
	go func() {
		defer h.updates.Done()
		if err := h.registration.Register(context.Background(), worker); err != nil {
			h.log.Error().Err(err).Str("worker", worker.ID()).Msg("Update failed")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
