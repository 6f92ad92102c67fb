package network

import (
	"context"
	"net/http"
	"sync"
)

// Pending is a request that is already in flight, e.g. a navigation preload.
type Pending struct {
	done chan struct{}
	res  *http.Response
	err  error

	mu    sync.Mutex
	taken bool
}

// Start issues the request in the background.
// The request is bound to ctx, not to the context passed to Wait.
func Start(ctx context.Context, f Fetcher, req *http.Request) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.res, p.err = f.Fetch(ctx, req)
	}()
	return p
}

// Resolved returns a Pending that is already complete.
func Resolved(res *http.Response, err error) *Pending {
	p := &Pending{done: make(chan struct{}), res: res, err: err}
	close(p.done)
	return p
}

// Wait blocks until the response is available or ctx is done.
// Only the first successful Wait receives the response, later calls get nil.
func (p *Pending) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken {
		return nil, p.err
	}
	p.taken = true
	return p.res, p.err
}

// Discard waits for the request to finish and closes the response body
// if nobody took the response.
func (p *Pending) Discard() {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.taken && p.res != nil {
		p.res.Body.Close()
	}
	p.taken = true
}
