// Package network issues the outgoing requests of the offline cache.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrBadStatus is returned when a response is not usable for caching,
// i.e. its status is outside of the 2xx range.
var ErrBadStatus = errors.New("bad response status")

// Fetcher performs a network request.
// A returned error means no response was received at all.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Client is a Fetcher backed by an http.Client.
type Client struct {
	client *http.Client
	log    zerolog.Logger
}

type ClientConfig struct {
	// Client to use. A client without a timeout is created if nil.
	HTTPClient *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

func NewClient(config ClientConfig) *Client {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	c := &Client{
		client: config.HTTPClient,
		log:    logger,
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	return c
}

// Fetch sends the request to the network.
// Requests arriving at a server carry RequestURI, which the client refuses,
// so the outgoing request is always a fresh copy.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if out.ContentLength == 0 {
		out.Body = nil
	}
	// do not forward hop-by-hop headers
	out.Header.Del("Connection")
	out.Header.Del("Proxy-Connection")
	out.Header.Del("Keep-Alive")

	start := time.Now()
	res, err := c.client.Do(out)
	if err != nil {
		c.log.Debug().Err(err).Str("url", out.URL.String()).Msg("Network request failed")
		return nil, err
	}
	c.log.Trace().
		Str("method", out.Method).
		Str("url", out.URL.String()).
		Int("status", res.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Network response")
	return res, nil
}

// Reload marks the request so that intermediate caches revalidate it.
func Reload(req *http.Request) *http.Request {
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	return req
}

// OK reports whether the response has a 2xx status.
func OK(res *http.Response) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode < 300
}

// CheckStatus returns an ErrBadStatus error if res is not OK.
func CheckStatus(res *http.Response) error {
	if OK(res) {
		return nil
	}
	if res == nil {
		return fmt.Errorf("%w: no response", ErrBadStatus)
	}
	if res.Request == nil {
		return fmt.Errorf("%w: %d", ErrBadStatus, res.StatusCode)
	}
	return fmt.Errorf("%w: %d for %s", ErrBadStatus, res.StatusCode, res.Request.URL)
}
