package cache

import (
	"sync"
)

type memBucket struct {
	entries map[string]CacheEntry
}

type MemCache struct {
	mutex   *sync.RWMutex
	order   *[]string
	buckets map[string]*memBucket
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:   &sync.RWMutex{},
		order:   &[]string{},
		buckets: make(map[string]*memBucket),
	}
}

func (m MemCache) Buckets() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(*m.order))
	copy(names, *m.order)
	return names, nil
}

func (m MemCache) CreateBucket(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; ok {
		return nil
	}
	m.buckets[name] = &memBucket{entries: make(map[string]CacheEntry)}
	*m.order = append(*m.order, name)
	return nil
}

func (m MemCache) HasBucket(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m MemCache) DeleteBucket(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return false, nil
	}
	delete(m.buckets, name)
	order := (*m.order)[:0]
	for _, n := range *m.order {
		if n != name {
			order = append(order, n)
		}
	}
	*m.order = order
	return true, nil
}

func (m MemCache) Get(bucket, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry, ok := b.entries[key]
	return entry, ok, nil
}

func (m MemCache) Put(bucket string, ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return ErrBucketNotFound
	}
	bts := make([]byte, len(ce.Bytes))
	copy(bts, ce.Bytes)
	ce.Bytes = bts
	b.entries[ce.Key] = ce
	return nil
}

func (m MemCache) Delete(bucket, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return false, nil
	}
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (m MemCache) Keys(bucket string, cb func(string)) error {
	m.mutex.RLock()
	b, ok := m.buckets[bucket]
	if !ok {
		m.mutex.RUnlock()
		return ErrBucketNotFound
	}
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}
