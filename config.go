package offlinecache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/inactivity"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Version-tagged name of the bucket owned by the worker.
	CacheName string `yaml:"cacheName"`
	// Absolute URL the worker controls. Relative asset URLs resolve against it.
	Scope string `yaml:"scope"`
	// Page served for navigations when neither network nor cache can answer.
	OfflineURL string `yaml:"offlineURL"`
	// Assets that must be cached for the install to succeed.
	CoreAssets []string `yaml:"coreAssets"`
	// Assets cached on a best-effort basis.
	ThirdPartyAssets []string `yaml:"thirdPartyAssets"`
	// Requests to hosts containing any of these strings are never cached.
	ExcludedHosts []string `yaml:"excludedHosts"`
	// Start navigation requests in parallel with the worker.
	NavigationPreload bool             `yaml:"navigationPreload"`
	Strategies        StrategyConfig   `yaml:"strategies"`
	Rules             Rules            `yaml:"rules"`
	Inactivity        InactivityConfig `yaml:"inactivity"`
}

type StrategyConfig struct {
	Navigation    Strategy `yaml:"navigation"`
	Static        Strategy `yaml:"static"`
	Opportunistic Strategy `yaml:"opportunistic"`
}

type InactivityConfig struct {
	Delay time.Duration `yaml:"delay"`
	Title string        `yaml:"title"`
	Body  string        `yaml:"body"`
	Icon  string        `yaml:"icon"`
	Badge string        `yaml:"badge"`
	// Optional URL notifications are posted to in addition to the log.
	Webhook string `yaml:"webhook"`
}

// DefaultConfig returns the configuration of the chat application shell.
func DefaultConfig() Config {
	return Config{
		CacheName:  "wayan-ai-cache-v2",
		Scope:      "http://localhost:3000/",
		OfflineURL: "offline.html",
		CoreAssets: []string{
			"./",
			"./index.html",
			"./offline.html",
			"./favicon-96x96.png",
			"./favicon.svg",
			"./favicon.ico",
			"./apple-touch-icon.png",
			"./site.webmanifest",
		},
		ThirdPartyAssets: []string{
			"https://i.postimg.cc/Wz2Gmx8X/IMG-2621.jpg",
			"https://cdn.tailwindcss.com",
			"https://cdn.jsdelivr.net/npm/marked/marked.min.js",
			"https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600;700&display=swap",
		},
		ExcludedHosts: []string{
			"google.com",
			"gstatic.com",
			"firebaseapp.com",
			"ipify.org",
		},
		NavigationPreload: true,
		Strategies: StrategyConfig{
			Navigation:    NetworkFirst,
			Static:        CacheFirst,
			Opportunistic: CacheFirst,
		},
		Inactivity: InactivityConfig{
			Delay: inactivity.DefaultDelay,
			Title: "Wayan AI",
			Body:  "Mau udahan ngobrol sama Wayan?",
			Icon:  "favicon-96x96.png",
			Badge: "favicon.svg",
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig and validates it.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	return config, config.Validate()
}

// Validate checks the config for errors.
func (c Config) Validate() error {
	var errs error
	if strings.TrimSpace(c.CacheName) == "" {
		errs = errors.Join(errs, errors.New("cacheName is required"))
	}
	if _, err := c.ScopeURL(); err != nil {
		errs = errors.Join(errs, err)
	}
	if c.OfflineURL == "" {
		errs = errors.Join(errs, errors.New("offlineURL is required"))
	}
	for name, s := range map[string]Strategy{
		"strategies.navigation":    c.Strategies.Navigation,
		"strategies.static":        c.Strategies.Static,
		"strategies.opportunistic": c.Strategies.Opportunistic,
	} {
		if !s.valid() {
			errs = errors.Join(errs, fmt.Errorf("%s: unknown strategy %q", name, s))
		}
	}
	for i, rule := range c.Rules {
		if !rule.Strategy.valid() {
			errs = errors.Join(errs, fmt.Errorf("rules[%d].strategy: unknown strategy %q", i, rule.Strategy))
		}
	}
	if c.Inactivity.Delay <= 0 {
		errs = errors.Join(errs, errors.New("inactivity.delay must be positive"))
	}
	return errs
}

// ScopeURL returns the parsed scope, which must be an absolute http(s) URL.
func (c Config) ScopeURL() (*url.URL, error) {
	scope, err := url.Parse(c.Scope)
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	if scope.Scheme != "http" && scope.Scheme != "https" || scope.Host == "" {
		return nil, fmt.Errorf("scope: %q is not an absolute http(s) URL", c.Scope)
	}
	if scope.Path == "" {
		scope.Path = "/"
	}
	return scope, nil
}
