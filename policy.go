package offlinecache

import (
	"net/http"
	"strings"
)

// Category groups requests that share a routing strategy.
type Category string

const (
	CategoryNavigation    Category = "navigation"
	CategoryStatic        Category = "static"
	CategoryOpportunistic Category = "opportunistic"
	CategoryBypass        Category = "bypass"
)

// Strategy decides how a request is answered from cache and network.
type Strategy string

const (
	// Serve from the bucket, go to the network on a miss and store the result.
	CacheFirst Strategy = "cache-first"
	// Go to the network and store the result, fall back to the bucket when offline.
	NetworkFirst Strategy = "network-first"
	// Serve from the bucket and refresh it in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	// Go to the network and never touch the bucket.
	NetworkOnly Strategy = "network-only"
)

func (s Strategy) valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly:
		return true
	}
	return false
}

// Policy maps request categories to strategies.
// Rules take precedence over the per-category strategies.
type Policy struct {
	Navigation    Strategy
	Static        Strategy
	Opportunistic Strategy
	Rules         Rules
}

func newPolicy(c Config) Policy {
	return Policy{
		Navigation:    c.Strategies.Navigation,
		Static:        c.Strategies.Static,
		Opportunistic: c.Strategies.Opportunistic,
		Rules:         c.Rules,
	}
}

func (p Policy) StrategyFor(category Category, req *http.Request) Strategy {
	if rule := p.Rules.find(req); rule != nil {
		return rule.Strategy
	}
	switch category {
	case CategoryNavigation:
		return p.Navigation
	case CategoryStatic:
		return p.Static
	}
	return p.Opportunistic
}

// excludedHost reports whether the host name contains any of the excluded strings.
func excludedHost(host string, excluded []string) bool {
	host = strings.ToLower(host)
	for _, e := range excluded {
		if e != "" && strings.Contains(host, strings.ToLower(e)) {
			return true
		}
	}
	return false
}
