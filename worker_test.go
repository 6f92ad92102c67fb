package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/offline-cache/network"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

func TestInstallCachesCoreAssets(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	w := env.worker(t, config)

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
	for _, url := range []string{"http://app.test/", "http://app.test/index.html", "http://app.test/offline.html", "http://app.test/app.js"} {
		if !env.cached(t, config.CacheName, url) {
			t.Errorf("%s not cached", url)
		}
	}
	for _, url := range config.ThirdPartyAssets {
		if !env.cached(t, config.CacheName, url) {
			t.Errorf("%s not cached", url)
		}
	}
}

func TestInstallRevalidatesOfflinePage(t *testing.T) {
	env := newTestEnv(t)
	w := env.worker(t, testConfig())

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := env.net.first("http://app.test/offline.html")
	if req == nil {
		t.Fatal("Offline page not fetched")
	}
	if req.Header.Get("Cache-Control") != "no-cache" || req.Header.Get("Pragma") != "no-cache" {
		t.Fatalf("Offline page fetched with headers %v", req.Header)
	}
}

func TestInstallSurvivesThirdPartyFailure(t *testing.T) {
	env := newTestEnv(t)
	env.net.remove("https://cdn.test/lib.js")
	config := testConfig()
	w := env.worker(t, config)

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if env.cached(t, config.CacheName, "https://cdn.test/lib.js") {
		t.Error("Failed asset cached")
	}
	if !env.cached(t, config.CacheName, "https://fonts.test/inter.css") {
		t.Error("Other third-party asset not cached")
	}
	if !env.cached(t, config.CacheName, "http://app.test/index.html") {
		t.Error("Core asset not cached")
	}
}

func TestInstallFailsOnCoreAsset(t *testing.T) {
	env := newTestEnv(t)
	env.net.remove("http://app.test/app.js")
	config := testConfig()
	w := env.worker(t, config)

	err := w.Install(context.Background())
	if !errors.Is(err, ErrInstall) {
		t.Fatalf("Error is %v", err)
	}
	if !errors.Is(err, network.ErrBadStatus) {
		t.Fatalf("Error does not carry the cause: %v", err)
	}
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
	if env.cached(t, config.CacheName, "http://app.test/index.html") {
		t.Error("Core assets partially cached")
	}
}

func TestInstallFailsWithoutOfflinePage(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	config.CoreAssets = []string{"./", "./index.html"}
	env.net.remove("http://app.test/offline.html")
	w := env.worker(t, config)

	if err := w.Install(context.Background()); !errors.Is(err, ErrInstall) {
		t.Fatalf("Error is %v", err)
	}
}

func TestActivateDeletesStaleBuckets(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"wayan-ai-cache-v1", "something-else"} {
		if _, err := env.storage.Open(name); err != nil {
			t.Fatal(err)
		}
	}
	config := testConfig()
	env.activeWorker(t, config)

	names, err := env.storage.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != config.CacheName {
		t.Fatalf("Buckets are %v", names)
	}
}

func TestOfflineNavigationServesOfflinePage(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	env.net.setOffline(true)

	res, body := fetch(t, w, navigate("http://app.test/chat/42"))

	if body != "offline" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); !strings.Contains(cs, "detail="+cachestatus.DetailOfflineFallback) {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestOfflineNavigationServesCachedPage(t *testing.T) {
	env := newTestEnv(t)
	env.net.set("http://app.test/about", "about")
	w := env.activeWorker(t, testConfig())

	if _, body := fetch(t, w, navigate("http://app.test/about")); body != "about" {
		t.Fatalf("Online body is %s", body)
	}
	env.net.setOffline(true)
	res, body := fetch(t, w, navigate("http://app.test/about"))

	if body != "about" {
		t.Fatalf("Offline body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if res.Header.Get("Age") == "" {
		t.Fatal("No Age header")
	}
}

func TestNavigationGoesToNetworkFirst(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	env.net.set("http://app.test/index.html", "index 2")

	res, body := fetch(t, w, navigate("http://app.test/index.html"))

	if body != "index 2" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "Offline-Cache; fwd=request; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	env.net.setOffline(true)
	if _, body := fetch(t, w, navigate("http://app.test/index.html")); body != "index 2" {
		t.Fatalf("Cached body is %s", body)
	}
}

func TestNavigationErrorStatusIsPassedOn(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	w := env.activeWorker(t, config)

	res, _ := fetch(t, w, navigate("http://app.test/missing"))

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if env.cached(t, config.CacheName, "http://app.test/missing") {
		t.Fatal("Error response cached")
	}
}

func TestNavigationUsesPreload(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	req := navigate("http://app.test/chat")

	ev := w.NewFetchEvent(context.Background(), req)
	ev.Preload = network.Resolved(textResponse(req, http.StatusOK, "preloaded"), nil)
	res, ok := w.Fetch(ev)
	if !ok {
		t.Fatal("Not intercepted")
	}
	body := readBody(t, res)
	ev.Wait()

	if body != "preloaded" {
		t.Fatalf("Body is %s", body)
	}
	if env.net.count("http://app.test/chat") != 0 {
		t.Fatal("Preloaded navigation fetched again")
	}
	if cs := res.Header.Get(cachestatus.HeaderName); !strings.Contains(cs, "detail="+cachestatus.DetailPreload) {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestFailedPreloadFallsBackToFetch(t *testing.T) {
	env := newTestEnv(t)
	env.net.set("http://app.test/chat", "live")
	w := env.activeWorker(t, testConfig())
	req := navigate("http://app.test/chat")

	ev := w.NewFetchEvent(context.Background(), req)
	ev.Preload = network.Resolved(nil, errors.New("preload aborted"))
	res, ok := w.Fetch(ev)
	if !ok {
		t.Fatal("Not intercepted")
	}
	body := readBody(t, res)
	ev.Wait()

	if body != "live" {
		t.Fatalf("Body is %s", body)
	}
	if env.net.count("http://app.test/chat") != 1 {
		t.Fatalf("%d live fetches", env.net.count("http://app.test/chat"))
	}
}

func TestNavigationWithoutFetchMetadata(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	env.net.setOffline(true)
	req := get("http://app.test/settings")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	if _, body := fetch(t, w, req); body != "offline" {
		t.Fatalf("Body is %s", body)
	}
}

func TestExcludedHostIsNotIntercepted(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	w := env.activeWorker(t, config)
	url := "https://identitytoolkit.google.com/v1/accounts"
	env.net.set(url, "account")

	ev := w.NewFetchEvent(context.Background(), get(url))
	if res, ok := w.Fetch(ev); ok || res != nil {
		t.Fatal("Excluded host intercepted")
	}
	ev.Wait()
	if env.net.count(url) != 0 {
		t.Fatal("Worker fetched excluded host")
	}
	if env.cached(t, config.CacheName, url) {
		t.Fatal("Excluded host cached")
	}
}

func TestNonGETIsNotIntercepted(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())

	req, _ := http.NewRequest("POST", "http://app.test/api/chat", strings.NewReader("{}"))
	if _, ok := w.Fetch(w.NewFetchEvent(context.Background(), req)); ok {
		t.Fatal("POST intercepted")
	}
}

func TestStaticMissIsStored(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	w := env.activeWorker(t, config)
	url := "http://app.test/img/logo.png"
	env.net.set(url, "png")

	res, body := fetch(t, w, get(url))
	if body != "png" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "Offline-Cache; fwd=uri-miss; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if !env.cached(t, config.CacheName, url) {
		t.Fatal("Asset not cached")
	}

	env.net.setOffline(true)
	res, body = fetch(t, w, get(url))
	if body != "png" {
		t.Fatalf("Cached body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestCoreAssetIsServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	before := env.net.count("http://app.test/app.js")

	if _, body := fetch(t, w, get("http://app.test/app.js")); body != "script" {
		t.Fatalf("Body is %s", body)
	}
	if env.net.count("http://app.test/app.js") != before {
		t.Fatal("Cached core asset fetched again")
	}
}

func TestCrossOriginAssetIsCachedOpportunistically(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	w := env.activeWorker(t, config)
	url := "https://cdn.test/other.js"
	env.net.set(url, "other")

	fetch(t, w, get(url))

	if !env.cached(t, config.CacheName, url) {
		t.Fatal("Cross-origin asset not cached")
	}
}

func TestStaticFailureIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	env.net.setOffline(true)

	res, _ := fetch(t, w, get("http://app.test/img/missing.png"))

	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); !strings.Contains(cs, "detail="+cachestatus.DetailUnavailable) {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestStaleWhileRevalidateRule(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	config.Rules = Rules{{Prefix: "/news/", Strategy: StaleWhileRevalidate}}
	w := env.activeWorker(t, config)
	url := "http://app.test/news/today"
	env.net.set(url, "old")
	fetch(t, w, get(url))
	env.net.set(url, "new")

	if _, body := fetch(t, w, get(url)); body != "old" {
		t.Fatalf("Body is %s", body)
	}
	// the background revalidation has been awaited by fetch
	if _, body := fetch(t, w, get(url)); body != "new" {
		t.Fatalf("Revalidated body is %s", body)
	}
}

func TestNetworkOnlyRule(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	config.Rules = Rules{{Prefix: "/api/", Strategy: NetworkOnly}}
	w := env.activeWorker(t, config)
	url := "http://app.test/api/models"
	env.net.set(url, "[]")

	res, body := fetch(t, w, get(url))

	if body != "[]" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "Offline-Cache; fwd=bypass" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if env.cached(t, config.CacheName, url) {
		t.Fatal("Network-only response cached")
	}
}

func TestCacheFirstNavigation(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	config.Strategies.Navigation = CacheFirst
	w := env.activeWorker(t, config)
	env.net.set("http://app.test/index.html", "index 2")

	if _, body := fetch(t, w, navigate("http://app.test/index.html")); body != "index" {
		t.Fatalf("Body is %s", body)
	}
}

func TestInactivityStartThenCancel(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	ctx := context.Background()

	if err := w.Message(ctx, Message{Type: MessageStartInactivityTimer}); err != nil {
		t.Fatal(err)
	}
	if err := w.Message(ctx, Message{Type: MessageCancelInactivityTimer}); err != nil {
		t.Fatal(err)
	}
	env.clock.elapse()

	if env.notes.count() != 0 {
		t.Fatalf("%d notifications shown", env.notes.count())
	}
	if w.InactivityArmed() {
		t.Fatal("Timer still armed")
	}
}

func TestInactivityRestartShowsOneNotification(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())
	ctx := context.Background()

	w.Message(ctx, Message{Type: MessageStartInactivityTimer})
	w.Message(ctx, Message{Type: MessageStartInactivityTimer})
	env.clock.elapse()

	if env.notes.count() != 1 {
		t.Fatalf("%d notifications shown", env.notes.count())
	}
	note := env.notes.list[0]
	if note.Title != "Wayan AI" || note.Body != "Mau udahan ngobrol sama Wayan?" ||
		note.Icon != "favicon-96x96.png" || note.Badge != "favicon.svg" {
		t.Fatalf("Notification is %+v", note)
	}
	if w.InactivityArmed() {
		t.Fatal("Timer still armed after expiry")
	}
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())

	if err := w.Message(context.Background(), Message{Type: MessageCancelInactivityTimer}); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownMessage(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())

	if err := w.Message(context.Background(), Message{Type: "PING"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Error is %v", err)
	}
}

func TestCloseCancelsInactivityTimer(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorker(t, testConfig())

	w.Message(context.Background(), Message{Type: MessageStartInactivityTimer})
	w.Close()
	env.clock.elapse()

	if env.notes.count() != 0 {
		t.Fatal("Notification shown by redundant worker")
	}
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
}

func TestNewWorkerRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	config.Scope = "app.test"

	if _, err := NewWorker(WorkerConfig{Config: config, Storage: env.storage}); err == nil {
		t.Fatal("Expected error")
	}
}

type brokenBody struct{}

func (brokenBody) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func (brokenBody) Close() error {
	return nil
}

func TestUnreadableResponseIsNotAStoreError(t *testing.T) {
	env := newTestEnv(t)
	broken := "http://app.test/img/broken.png"
	w, err := NewWorker(WorkerConfig{
		Config:  testConfig(),
		Storage: env.storage,
		Fetcher: network.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			if req.URL.String() == broken {
				res := textResponse(req, http.StatusOK, "")
				res.Body = brokenBody{}
				return res, nil
			}
			return env.net.Fetch(ctx, req)
		}),
		Notifier: env.notes,
		Clock:    env.clock,
		Metrics:  env.metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Close)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, _ := fetch(t, w, get(broken))

	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); strings.Contains(cs, "stored") {
		t.Fatalf("Cache-Status is %s", cs)
	}
	rec := httptest.NewRecorder()
	env.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "offline_cache_store_errors_total 0") {
		t.Fatal("Unreadable response counted as store error")
	}
}
