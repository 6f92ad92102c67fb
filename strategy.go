package offlinecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/network"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// Request outcomes as recorded in metrics.
const (
	outcomeHit         = "hit"
	outcomeNetwork     = "network"
	outcomeCached      = "cached-fallback"
	outcomeOfflinePage = "offline-page"
	outcomeUnavailable = "unavailable"
	outcomeExcluded    = "excluded"
	outcomeMethod      = "method"
	outcomeRedundant   = "redundant"
)

// cacheFirst answers from the bucket and goes to the network on a miss.
func (w *Worker) cacheFirst(ev *FetchEvent, b *cache.Bucket, cs *cachestatus.CacheStatus) (*http.Response, string) {
	if res := w.match(b, ev.Request); res != nil {
		cs.Hit()
		return res, outcomeHit
	}
	cs.Forward(cachestatus.FwdUriMiss)
	res, err := w.fromNetwork(ev.Context(), ev, cs)
	if err == nil {
		res, err = w.store(ev, b, res, cs)
	}
	if err != nil {
		w.log.Debug().Err(err).Str("url", ev.Request.URL.String()).Msg("Network failed on cache miss")
		return w.fallback(ev, b, cs)
	}
	return res, outcomeNetwork
}

// networkFirst goes to the network and falls back to the bucket when there is no response.
// Responses with error statuses are passed on unchanged.
func (w *Worker) networkFirst(ev *FetchEvent, b *cache.Bucket, cs *cachestatus.CacheStatus) (*http.Response, string) {
	cs.Forward(cachestatus.FwdRequest)
	res, err := w.fromNetwork(ev.Context(), ev, cs)
	if err == nil {
		res, err = w.store(ev, b, res, cs)
	}
	if err == nil {
		return res, outcomeNetwork
	}
	w.log.Debug().Err(err).Str("url", ev.Request.URL.String()).Msg("Network failed, trying cache")
	if res := w.match(b, ev.Request); res != nil {
		cs.Hit()
		return res, outcomeCached
	}
	return w.fallback(ev, b, cs)
}

// staleWhileRevalidate answers from the bucket and refreshes the entry in the background.
func (w *Worker) staleWhileRevalidate(ev *FetchEvent, b *cache.Bucket, cs *cachestatus.CacheStatus) (*http.Response, string) {
	res := w.match(b, ev.Request)
	if res == nil {
		return w.cacheFirst(ev, b, cs)
	}
	cs.Hit()
	ev.WaitUntil(func(ctx context.Context) error {
		fresh, err := w.fromNetwork(ctx, ev, nil)
		if err != nil {
			w.log.Debug().Err(err).Str("url", ev.Request.URL.String()).Msg("Revalidation failed")
			return nil
		}
		if !network.OK(fresh) {
			fresh.Body.Close()
			return nil
		}
		return w.put(b, ev.Request, fresh)
	})
	return res, outcomeHit
}

// networkOnly never touches the bucket. Failures are answered like a cache miss.
func (w *Worker) networkOnly(ev *FetchEvent, b *cache.Bucket, cs *cachestatus.CacheStatus) (*http.Response, string) {
	cs.Forward(cachestatus.FwdBypass)
	res, err := w.fromNetwork(ev.Context(), ev, cs)
	if err != nil {
		w.log.Debug().Err(err).Str("url", ev.Request.URL.String()).Msg("Network failed")
		return w.fallback(ev, b, cs)
	}
	return res, outcomeNetwork
}

// fromNetwork uses the navigation preload response if there is one
// and fetches the request otherwise, also when the preload failed.
func (w *Worker) fromNetwork(ctx context.Context, ev *FetchEvent, cs *cachestatus.CacheStatus) (*http.Response, error) {
	if ev.Preload != nil {
		res, err := ev.Preload.Wait(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			if res != nil {
				res.Body.Close()
			}
			return nil, ctxErr
		}
		if err != nil {
			w.log.Debug().Err(err).Str("url", ev.Request.URL.String()).Msg("Navigation preload failed, fetching")
		} else if res != nil {
			if cs != nil {
				cs.Detail(cachestatus.DetailPreload)
			}
			return res, nil
		}
	}
	return w.fetcher.Fetch(ctx, ev.Request.Clone(ctx))
}

// store writes a copy of a successful response to the bucket in the background.
// An error means the response body could not be read, so there is no response to pass on.
func (w *Worker) store(ev *FetchEvent, b *cache.Bucket, res *http.Response, cs *cachestatus.CacheStatus) (*http.Response, error) {
	if b == nil || !network.OK(res) || res.StatusCode == http.StatusPartialContent {
		return res, nil
	}
	clone, err := serializer.CloneResponse(res)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	cs.Stored = true
	ev.WaitUntil(func(ctx context.Context) error {
		return w.put(b, ev.Request, clone)
	})
	return res, nil
}

func (w *Worker) put(b *cache.Bucket, req *http.Request, res *http.Response) error {
	if err := b.Put(req, res); err != nil {
		w.log.Error().Err(err).Str("url", req.URL.String()).Msg("Could not write to cache")
		w.metrics.RecordStoreError()
		return err
	}
	return nil
}

func (w *Worker) match(b *cache.Bucket, req *http.Request) *http.Response {
	if b == nil {
		return nil
	}
	res, err := b.Match(req)
	if err != nil {
		w.log.Error().Err(err).Str("url", req.URL.String()).Msg("Could not read from cache")
		return nil
	}
	return res
}

// fallback answers a request that neither the network nor the bucket could serve.
// Navigations get the offline page, everything else a 503.
func (w *Worker) fallback(ev *FetchEvent, b *cache.Bucket, cs *cachestatus.CacheStatus) (*http.Response, string) {
	if ev.IsNavigation() {
		offlineReq, _ := http.NewRequestWithContext(ev.Context(), http.MethodGet, w.offlineURL.String(), nil)
		if res := w.match(b, offlineReq); res != nil {
			cs.Detail(cachestatus.DetailOfflineFallback)
			return res, outcomeOfflinePage
		}
	}
	cs.Detail(cachestatus.DetailUnavailable)
	return w.unavailable(ev.Request), outcomeUnavailable
}

func (w *Worker) unavailable(req *http.Request) *http.Response {
	body := http.StatusText(http.StatusServiceUnavailable)
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        "503 " + body,
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
