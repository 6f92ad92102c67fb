package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registration holds the installing, waiting and active workers of a scope.
type Registration struct {
	log zerolog.Logger

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	controller *Worker
}

func NewRegistration(logger *zerolog.Logger) *Registration {
	r := &Registration{log: log.Logger}
	if logger != nil {
		r.log = *logger
	}
	return r
}

// Register installs the worker. If installing fails the worker is discarded
// and the active worker keeps controlling the clients. Otherwise the worker
// waits, and is activated right away if it asked to skip waiting or if
// there is no active worker.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	w.mu.Lock()
	w.registration = r
	w.mu.Unlock()
	r.installing = w
	r.mu.Unlock()

	err := w.Install(ctx)

	r.mu.Lock()
	if r.installing == w {
		r.installing = nil
	}
	if err != nil {
		r.mu.Unlock()
		w.Close()
		return err
	}
	replaced := r.waiting
	r.waiting = w
	promote := w.skipWaitingRequested() || r.active == nil
	r.mu.Unlock()

	if replaced != nil && replaced != w {
		replaced.Close()
	}
	r.log.Info().Str("worker", w.ID()).Bool("activate", promote).Msg("Worker installed")
	if promote {
		return r.activateWaiting(ctx)
	}
	return nil
}

// SkipWaiting activates the waiting worker.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	return r.activateWaiting(ctx)
}

func (r *Registration) skipWaiting(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	waiting := r.waiting == w
	r.mu.Unlock()
	// installing workers are activated by Register once they are installed
	if !waiting {
		return nil
	}
	return r.activateWaiting(ctx)
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return ErrNoWaitingWorker
	}
	r.waiting = nil
	previous := r.active
	r.active = w
	r.mu.Unlock()

	err := w.Activate(ctx)
	if err != nil {
		r.log.Error().Err(err).Str("worker", w.ID()).Msg("Activated with errors")
	}
	if previous != nil && previous != w {
		previous.Close()
		r.log.Info().Str("worker", previous.ID()).Msg("Worker replaced")
	}
	return err
}

func (r *Registration) claim(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == w {
		r.controller = w
		r.log.Info().Str("worker", w.ID()).Msg("Worker controls clients")
	}
}

// Controller returns the worker handling client requests, or nil.
func (r *Registration) Controller() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Message delivers a page message. SKIP_WAITING goes to the waiting worker
// and is ignored if there is none, everything else goes to the active worker.
func (r *Registration) Message(ctx context.Context, m Message) error {
	if m.Type == MessageSkipWaiting {
		w := r.Waiting()
		if w == nil {
			r.log.Debug().Msg("No waiting worker to skip waiting")
			return nil
		}
		if err := w.Message(ctx, m); err != nil && !errors.Is(err, ErrNoWaitingWorker) {
			return err
		}
		return nil
	}
	w := r.Active()
	if w == nil {
		return fmt.Errorf("%w for %s", ErrNoActiveWorker, m.Type)
	}
	return w.Message(ctx, m)
}

// Close makes all workers redundant.
func (r *Registration) Close() {
	r.mu.Lock()
	workers := []*Worker{r.installing, r.waiting, r.active}
	r.installing, r.waiting, r.active, r.controller = nil, nil, nil, nil
	r.mu.Unlock()
	for _, w := range workers {
		if w != nil {
			w.Close()
		}
	}
}
