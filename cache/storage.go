package cache

import (
	"net/http"
	"net/url"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Storage for bucket entries.
	Provider CacheProvider
	// Base URL for resolving relative request URLs, usually the worker scope.
	Scope *url.URL
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock used for timestamping stored responses. Defaults to time.Now.
	Now func() time.Time
}

// Storage is the set of named buckets available to the worker.
type Storage struct {
	provider CacheProvider
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
	now      func() time.Time
}

func NewStorage(config Config) *Storage {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	s := &Storage{
		provider: config.Provider,
		keyer:    cachekey.NewCacheKeyer(config.Scope),
		log:      logger,
		now:      config.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Keyer returns the keyer used for normalizing requests.
func (s *Storage) Keyer() cachekey.CacheKeyer {
	return s.keyer
}

// Open returns the named bucket, creating it if needed.
func (s *Storage) Open(name string) (*Bucket, error) {
	if err := s.provider.CreateBucket(name); err != nil {
		return nil, err
	}
	return &Bucket{
		name:    name,
		storage: s,
		log:     s.log.With().Str("cache", name).Logger(),
	}, nil
}

// Lookup returns the named bucket if it exists. Unlike Open it never creates one.
func (s *Storage) Lookup(name string) (*Bucket, bool, error) {
	ok, err := s.provider.HasBucket(name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Bucket{
		name:    name,
		storage: s,
		log:     s.log.With().Str("cache", name).Logger(),
	}, true, nil
}

// Has checks if the named bucket exists.
func (s *Storage) Has(name string) (bool, error) {
	return s.provider.HasBucket(name)
}

// Delete removes the named bucket. It returns false if it did not exist.
func (s *Storage) Delete(name string) (bool, error) {
	return s.provider.DeleteBucket(name)
}

// Keys returns the names of all buckets in creation order.
func (s *Storage) Keys() ([]string, error) {
	return s.provider.Buckets()
}

// Match looks the request up in every bucket, oldest first.
// It returns nil if no bucket has a response for it.
func (s *Storage) Match(req *http.Request) (*http.Response, error) {
	names, err := s.Keys()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		b := &Bucket{name: name, storage: s, log: s.log}
		if res, err := b.Match(req); err != nil || res != nil {
			return res, err
		}
	}
	return nil, nil
}
