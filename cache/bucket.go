package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/always-cache/offline-cache/network"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotGET is returned when storing a response for a request that is not GET.
	ErrNotGET = errors.New("only GET requests can be stored")
	// ErrPartialContent is returned when storing a partial (206) response.
	ErrPartialContent = errors.New("partial responses cannot be stored")
)

// Bucket is a named store of request/response pairs.
type Bucket struct {
	name    string
	storage *Storage
	log     zerolog.Logger
}

func (b *Bucket) Name() string {
	return b.name
}

// Match returns the stored response for the request, or nil if there is none.
// Only GET (and HEAD) requests can match. The returned response carries an Age header.
func (b *Bucket) Match(req *http.Request) (*http.Response, error) {
	sRes, ok, err := b.MatchStored(req)
	if err != nil || !ok {
		return nil, err
	}
	sRes.Response.Header.Set("Age", strconv.Itoa(sRes.Age(b.storage.now())))
	return sRes.Response, nil
}

// MatchStored is like Match but returns the stored response with its timestamp.
func (b *Bucket) MatchStored(req *http.Request) (serializer.StoredResponse, bool, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return serializer.StoredResponse{}, false, nil
	}
	key := b.storage.keyer.GetKey(req)
	ce, ok, err := b.storage.provider.Get(b.name, key)
	if err != nil || !ok {
		return serializer.StoredResponse{}, false, err
	}
	sRes, err := serializer.BytesToStoredResponse(ce.Bytes, req)
	if err != nil {
		b.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return serializer.StoredResponse{}, false, err
	}
	b.log.Trace().Str("key", key).Msg("Cache match")
	return sRes, true, nil
}

// Put stores the response for the request, replacing any previous entry.
// Put consumes the response body; clone the response first if it is still needed.
func (b *Bucket) Put(req *http.Request, res *http.Response) error {
	if req.Method != http.MethodGet {
		return ErrNotGET
	}
	if res.StatusCode == http.StatusPartialContent {
		return ErrPartialContent
	}
	key := b.storage.keyer.GetKey(req)
	storedAt := b.storage.now()
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: storedAt,
	})
	res.Body = http.NoBody
	if err != nil {
		return fmt.Errorf("serialize response for %s: %w", key, err)
	}
	if err := b.storage.provider.Put(b.name, CacheEntry{
		Key:      key,
		StoredAt: storedAt,
		Bytes:    bts,
	}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	b.log.Trace().Str("key", key).Int("bytes", len(bts)).Msg("Cache write")
	return nil
}

// Add fetches the request and stores the response.
// Responses without a 2xx status are rejected and not stored.
func (b *Bucket) Add(ctx context.Context, f network.Fetcher, req *http.Request) error {
	res, err := fetchOK(ctx, f, req)
	if err != nil {
		return err
	}
	return b.Put(req, res)
}

// AddAll fetches all requests concurrently and stores the responses.
// Either all responses are stored or, if any fetch fails, none.
func (b *Bucket) AddAll(ctx context.Context, f network.Fetcher, reqs []*http.Request) error {
	responses := make([]*http.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := fetchOK(gctx, f, req.WithContext(gctx))
			if err != nil {
				return err
			}
			// read the body before the group context is cancelled
			clone, err := serializer.CloneResponse(res)
			if err != nil {
				return fmt.Errorf("read %s: %w", req.URL, err)
			}
			responses[i] = clone
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, res := range responses {
			if res != nil {
				res.Body.Close()
			}
		}
		return err
	}
	for i, req := range reqs {
		if err := b.Put(req, responses[i]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the entry for the request. It returns false if there was none.
func (b *Bucket) Delete(req *http.Request) (bool, error) {
	return b.storage.provider.Delete(b.name, b.storage.keyer.GetKey(req))
}

// Requests returns a request for every entry in the bucket.
func (b *Bucket) Requests() ([]*http.Request, error) {
	reqs := make([]*http.Request, 0)
	var keyErr error
	err := b.storage.provider.Keys(b.name, func(key string) {
		req, err := b.storage.keyer.GetRequestFromKey(key)
		if err != nil {
			keyErr = errors.Join(keyErr, err)
			return
		}
		reqs = append(reqs, req)
	})
	if err != nil {
		return nil, err
	}
	return reqs, keyErr
}

func fetchOK(ctx context.Context, f network.Fetcher, req *http.Request) (*http.Response, error) {
	res, err := f.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if err := network.CheckStatus(res); err != nil {
		res.Body.Close()
		return nil, err
	}
	return res, nil
}
