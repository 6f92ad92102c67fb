package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/inactivity"
	"github.com/always-cache/offline-cache/notify"
)

const testScope = "http://app.test/"

func testConfig() Config {
	config := DefaultConfig()
	config.Scope = testScope
	config.CoreAssets = []string{"./", "./index.html", "./offline.html", "./app.js"}
	config.ThirdPartyAssets = []string{"https://cdn.test/lib.js", "https://fonts.test/inter.css"}
	return config
}

var errOffline = errors.New("network is offline")

// fakeNetwork answers requests from a map of absolute URLs to bodies.
// Unknown URLs get a 404.
type fakeNetwork struct {
	mu       sync.Mutex
	offline  bool
	bodies   map[string]string
	requests []*http.Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{bodies: map[string]string{}}
}

// siteNetwork serves every asset of testConfig.
func siteNetwork() *fakeNetwork {
	n := newFakeNetwork()
	n.set("http://app.test/", "home")
	n.set("http://app.test/index.html", "index")
	n.set("http://app.test/offline.html", "offline")
	n.set("http://app.test/app.js", "script")
	n.set("https://cdn.test/lib.js", "lib")
	n.set("https://fonts.test/inter.css", "font")
	return n
}

func (n *fakeNetwork) set(url, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[url] = body
}

func (n *fakeNetwork) remove(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.bodies, url)
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) count(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, req := range n.requests {
		if req.URL.String() == url {
			count++
		}
	}
	return count
}

func (n *fakeNetwork) first(url string) *http.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, req := range n.requests {
		if req.URL.String() == url {
			return req
		}
	}
	return nil
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	if n.offline {
		return nil, errOffline
	}
	body, ok := n.bodies[req.URL.String()]
	if !ok {
		return textResponse(req, http.StatusNotFound, "not found"), nil
	}
	return textResponse(req, http.StatusOK, body), nil
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

type fakeTimer struct {
	clock   *fakeClock
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped
	t.stopped = true
	return wasPending
}

// fakeClock runs scheduled functions only when told to.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) inactivity.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, f: f}
	c.timers = append(c.timers, t)
	return t
}

// elapse runs every function that is still scheduled.
func (c *fakeClock) elapse() {
	c.mu.Lock()
	due := make([]func(), 0)
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type notifications struct {
	mu   sync.Mutex
	list []notify.Notification
}

func (n *notifications) Notify(ctx context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, note)
	return nil
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.list)
}

type testEnv struct {
	net      *fakeNetwork
	provider cache.MemCache
	storage  *cache.Storage
	clock    *fakeClock
	notes    *notifications
	metrics  *Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	scope, err := url.Parse(testScope)
	if err != nil {
		t.Fatal(err)
	}
	provider := cache.NewMemCache()
	return &testEnv{
		net:      siteNetwork(),
		provider: provider,
		storage:  cache.NewStorage(cache.Config{Provider: provider, Scope: scope}),
		clock:    &fakeClock{},
		notes:    &notifications{},
		metrics:  NewMetrics(),
	}
}

func (e *testEnv) worker(t *testing.T, config Config) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{
		Config:   config,
		Storage:  e.storage,
		Fetcher:  e.net,
		Notifier: e.notes,
		Clock:    e.clock,
		Metrics:  e.metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Close)
	return w
}

// activeWorker returns an installed and activated worker.
func (e *testEnv) activeWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	w := e.worker(t, config)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return w
}

func (e *testEnv) cached(t *testing.T, name, url string) bool {
	t.Helper()
	req, _ := http.NewRequest("GET", url, nil)
	_, ok, err := e.provider.Get(name, e.storage.Keyer().GetKey(req))
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func get(url string) *http.Request {
	req, _ := http.NewRequest("GET", url, nil)
	return req
}

func navigate(url string) *http.Request {
	req := get(url)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	return req
}

// fetch dispatches the request and waits for its background work.
func fetch(t *testing.T, w *Worker, req *http.Request) (*http.Response, string) {
	t.Helper()
	ev := w.NewFetchEvent(context.Background(), req)
	res, ok := w.Fetch(ev)
	if !ok {
		t.Fatalf("Request %s not intercepted", req.URL)
	}
	body := readBody(t, res)
	if err := ev.Wait(); err != nil {
		t.Fatal(err)
	}
	return res, body
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}
