package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/always-cache/offline-cache/network"
)

// Event is handed to every worker handler. Work registered with WaitUntil
// keeps the event, and the worker that dispatched it, alive until it is done.
type Event struct {
	ctx       context.Context
	keepAlive *lifetime

	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

func newEvent(ctx context.Context, keepAlive *lifetime) *Event {
	return &Event{ctx: ctx, keepAlive: keepAlive}
}

// Context returns the context of the caller that dispatched the event.
func (e *Event) Context() context.Context {
	return e.ctx
}

// WaitUntil runs f in the background. f gets a context that is not
// cancelled when the dispatching caller goes away.
func (e *Event) WaitUntil(f func(ctx context.Context) error) {
	e.wg.Add(1)
	held := e.keepAlive.hold()
	ctx := context.WithoutCancel(e.ctx)
	go func() {
		defer func() {
			if held {
				e.keepAlive.release()
			}
			e.wg.Done()
		}()
		if err := f(ctx); err != nil {
			e.mu.Lock()
			e.err = errors.Join(e.err, err)
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until all work registered with WaitUntil is done
// and returns the joined errors of that work.
func (e *Event) Wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Mode is the request mode as reported by Fetch Metadata.
type Mode string

const ModeNavigate Mode = "navigate"

// FetchEvent is a request intercepted from a controlled page.
type FetchEvent struct {
	*Event
	// Request with an absolute URL.
	Request *http.Request
	Mode    Mode
	// Destination of the request, e.g. "document", "script" or "image".
	Destination string
	// Navigation preload response, if one was started.
	Preload *network.Pending
}

// NewFetchEvent creates an event for the request, reading mode and
// destination from the Sec-Fetch-Mode and Sec-Fetch-Dest headers.
// Without Fetch Metadata, GET requests accepting HTML count as navigations.
func NewFetchEvent(ctx context.Context, req *http.Request) *FetchEvent {
	return newFetchEvent(ctx, req, nil)
}

func newFetchEvent(ctx context.Context, req *http.Request, keepAlive *lifetime) *FetchEvent {
	ev := &FetchEvent{
		Event:       newEvent(ctx, keepAlive),
		Request:     req,
		Mode:        Mode(strings.ToLower(req.Header.Get("Sec-Fetch-Mode"))),
		Destination: strings.ToLower(req.Header.Get("Sec-Fetch-Dest")),
	}
	if ev.Mode == "" && ev.Destination == "" && req.Method == http.MethodGet &&
		strings.Contains(req.Header.Get("Accept"), "text/html") {
		ev.Mode = ModeNavigate
		ev.Destination = "document"
	}
	return ev
}

// IsNavigation reports whether the request loads a top-level document.
func (e *FetchEvent) IsNavigation() bool {
	return e.Mode == ModeNavigate
}

// lifetime counts the background work of a worker.
// Once closed, new work is no longer counted.
type lifetime struct {
	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
}

func (l *lifetime) hold() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closing {
		return false
	}
	l.wg.Add(1)
	return true
}

func (l *lifetime) release() {
	l.wg.Done()
}

// close stops counting and waits for the counted work.
func (l *lifetime) close() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.wg.Wait()
}
