package cache

import (
	"errors"
	"time"
)

// ErrBucketNotFound is returned when operating on a bucket that was never created.
var ErrBucketNotFound = errors.New("bucket not found")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped into named buckets.
// Operating on buckets is very important in order for several versions of the
// application to keep separate caches which can be dropped as a whole.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Buckets returns the names of all buckets in creation order.
	Buckets() ([]string, error)
	// CreateBucket creates the named bucket if it does not exist yet.
	CreateBucket(name string) error
	// HasBucket checks if the named bucket exists.
	HasBucket(name string) (bool, error)
	// DeleteBucket removes the named bucket and all its entries.
	// It returns false if there was no such bucket.
	DeleteBucket(name string) (bool, error)
	// Get returns the cached response for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(bucket, key string) (CacheEntry, bool, error)
	// Put stores the given entry in the bucket, replacing any entry with the same key.
	Put(bucket string, ce CacheEntry) error
	// Delete removes the entry for the given key.
	// It returns false if there was no such entry.
	Delete(bucket, key string) (bool, error)
	// Keys calls the given callback for each key in the bucket.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	Keys(bucket string, cb func(string)) error
	// Close releases the resources held by the provider.
	Close() error
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
