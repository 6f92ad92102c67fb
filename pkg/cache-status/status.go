// Package cachestatus builds the Cache-Status response header (RFC 9211).
package cachestatus

import (
	"fmt"
	"net/http"
)

const HeaderName = "Cache-Status"

// CacheName identifies this cache in the header value.
const CacheName = "Offline-Cache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was able to select a response for the request, but
	// the routing policy requires going to the network first.
	FwdRequest FwdReason = "request"
)

// Details explaining how a response was produced.
const (
	DetailOfflineFallback = "offline-fallback"
	DetailUnavailable     = "unavailable"
	DetailPreload         = "preload"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// Apply sets the header on the response, keeping entries added by other caches.
func (cs *CacheStatus) Apply(h http.Header) {
	h.Add(HeaderName, cs.String())
}
