package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	bucketPrefix = "b:"
	entryPrefix  = "e:"
	// separates bucket name and key, must not appear in bucket names
	keySeparator = "\x00"
)

type levelMeta struct {
	CreatedAt int64
}

type levelEntry struct {
	StoredAt int64
	Bytes    []byte
}

type LevelDBCache struct {
	db         *leveldb.DB
	writeMutex *sync.Mutex
}

// NewLevelDBCache opens (or creates) a LevelDB database in the given directory.
// If the path is empty, the database is kept in memory.
func NewLevelDBCache(path string) (LevelDBCache, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return LevelDBCache{}, err
	}
	return LevelDBCache{db: db, writeMutex: &sync.Mutex{}}, nil
}

func bucketKey(name string) []byte {
	return []byte(bucketPrefix + name)
}

func entriesPrefix(bucket string) []byte {
	return []byte(entryPrefix + bucket + keySeparator)
}

func entryKey(bucket, key string) []byte {
	return append(entriesPrefix(bucket), key...)
}

func (l LevelDBCache) Buckets() ([]string, error) {
	type bucket struct {
		name string
		meta levelMeta
	}
	buckets := make([]bucket, 0)
	it := l.db.NewIterator(util.BytesPrefix([]byte(bucketPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var meta levelMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		name := string(bytes.TrimPrefix(it.Key(), []byte(bucketPrefix)))
		buckets = append(buckets, bucket{name, meta})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].meta.CreatedAt < buckets[j].meta.CreatedAt
	})
	names := make([]string, len(buckets))
	for i, b := range buckets {
		names[i] = b.name
	}
	return names, nil
}

func (l LevelDBCache) CreateBucket(name string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if ok, err := l.db.Has(bucketKey(name), nil); err != nil || ok {
		return err
	}
	b, err := encodeGob(levelMeta{CreatedAt: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	return l.db.Put(bucketKey(name), b, nil)
}

func (l LevelDBCache) HasBucket(name string) (bool, error) {
	return l.db.Has(bucketKey(name), nil)
}

func (l LevelDBCache) DeleteBucket(name string) (bool, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	ok, err := l.db.Has(bucketKey(name), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(bucketKey(name))
	it := l.db.NewIterator(util.BytesPrefix(entriesPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	return true, l.db.Write(batch, nil)
}

func (l LevelDBCache) Get(bucket, key string) (CacheEntry, bool, error) {
	b, err := l.db.Get(entryKey(bucket, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent levelEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return CacheEntry{
		Key:      key,
		StoredAt: time.Unix(ent.StoredAt, 0),
		Bytes:    ent.Bytes,
	}, true, nil
}

func (l LevelDBCache) Put(bucket string, ce CacheEntry) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if ok, err := l.db.Has(bucketKey(bucket), nil); err != nil {
		return err
	} else if !ok {
		return ErrBucketNotFound
	}
	b, err := encodeGob(levelEntry{StoredAt: ce.StoredAt.Unix(), Bytes: ce.Bytes})
	if err != nil {
		return err
	}
	return l.db.Put(entryKey(bucket, ce.Key), b, nil)
}

func (l LevelDBCache) Delete(bucket, key string) (bool, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	ok, err := l.db.Has(entryKey(bucket, key), nil)
	if err != nil || !ok {
		return false, err
	}
	return true, l.db.Delete(entryKey(bucket, key), nil)
}

func (l LevelDBCache) Keys(bucket string, cb func(string)) error {
	if ok, err := l.db.Has(bucketKey(bucket), nil); err != nil {
		return err
	} else if !ok {
		return ErrBucketNotFound
	}
	prefix := entriesPrefix(bucket)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		cb(string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return it.Error()
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
