package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = errors.New("Malformed key")

const methodSeparator = " "

// CacheKeyer turns requests into bucket keys and back.
// A key is the request method followed by the normalized absolute URL.
type CacheKeyer struct {
	// Base URL used for resolving relative request URLs.
	// Usually this is the scope of the worker.
	Base *url.URL
}

func NewCacheKeyer(base *url.URL) CacheKeyer {
	return CacheKeyer{Base: base}
}

// GetKey returns the bucket key for the request.
// HEAD requests share keys with GET, everything else keeps its own method.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := strings.ToUpper(r.Method)
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	return method + methodSeparator + c.Normalize(r.URL)
}

// Normalize returns the canonical string form of the given URL.
// Scheme and host are lowercased, default ports and fragments are dropped
// and an empty path becomes "/".
func (c CacheKeyer) Normalize(u *url.URL) string {
	if u == nil {
		return ""
	}
	resolved := *u
	if c.Base != nil && !u.IsAbs() {
		resolved = *c.Base.ResolveReference(u)
	}
	resolved.Scheme = strings.ToLower(resolved.Scheme)
	resolved.Host = strings.ToLower(resolved.Host)
	if port := resolved.Port(); (port == "80" && resolved.Scheme == "http") ||
		(port == "443" && resolved.Scheme == "https") {
		resolved.Host = resolved.Hostname()
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	if resolved.Path == "" {
		resolved.Path = "/"
		resolved.RawPath = ""
	}
	return resolved.String()
}

// GetRequestFromKey creates a request equal to the one that resulted in the given key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %q", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}
