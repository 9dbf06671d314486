// Package metadatacache provides a TTL'd, size-bounded, on-disk cache
// backed by bbolt. Entries beyond their TTL are dropped first; if the
// cache still exceeds its size cap, the oldest remaining entries are
// dropped next, in ascending write-time order ("least recently
// written" eviction).
package metadatacache

import (
	"encoding/json"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
)

var bucketName = []byte("entries")

// record is the on-disk envelope wrapping a cached value with the
// bookkeeping eviction needs.
type record struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Cache is a generic, on-disk, TTL'd key-value cache with a fixed size
// cap. TTL and size cap are set once at construction and apply to
// every entry uniformly.
type Cache[V any] struct {
	db       *bbolt.DB
	ttl      time.Duration
	maxBytes int64
}

// Open opens (creating if necessary) a bbolt-backed cache at path with
// the given TTL and maximum total size in bytes.
func Open[V any](path string, ttl time.Duration, maxBytes int64) (*Cache[V], error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open metadata cache database")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to initialize metadata cache bucket")
	}

	return &Cache[V]{db: db, ttl: ttl, maxBytes: maxBytes}, nil
}

// Close releases the underlying database file.
func (c *Cache[V]) Close() error {
	if err := c.db.Close(); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to close metadata cache database")
	}
	return nil
}

// Get returns the value stored under key. The second return value is
// false when the key is absent or its entry has expired.
func (c *Cache[V]) Get(key string) (V, bool, error) {
	var zero V
	var rec record
	found := false

	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return zero, false, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to read metadata cache entry")
	}
	if !found {
		return zero, false, nil
	}
	if c.ttl > 0 && time.Since(rec.CreatedAt) > c.ttl {
		return zero, false, nil
	}

	var value V
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		return zero, false, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to decode cached value")
	}
	return value, true, nil
}

// Put stores value under key. When replace is false and a live
// (non-expired) entry already exists under key, Put returns a
// CodeConflict error and leaves the existing entry untouched. After the
// write, expired entries are evicted, then, if the cache still
// exceeds its size cap, the oldest remaining entries are evicted until
// it no longer does.
func (c *Cache[V]) Put(key string, value V, replace bool) error {
	if !replace {
		if _, ok, err := c.Get(key); err != nil {
			return err
		} else if ok {
			return platformerrors.Newf(platformerrors.CodeConflict, "metadata cache already holds a live entry for %q", key)
		}
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to encode value for metadata cache")
	}
	rec := record{Value: payload, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to encode metadata cache entry")
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to write metadata cache entry")
	}

	return c.evict()
}

// keyedRecord pairs a stored key with its decoded record for eviction
// bookkeeping.
type keyedRecord struct {
	key       string
	createdAt time.Time
	size      int64
}

// evict performs TTL eviction followed by size eviction, in that order.
func (c *Cache[V]) evict() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		var live []keyedRecord
		var expired [][]byte

		err := bucket.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				// A corrupt entry can never be served; treat it like an
				// expired one so it gets swept out.
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if c.ttl > 0 && time.Since(rec.CreatedAt) > c.ttl {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			live = append(live, keyedRecord{
				key:       string(k),
				createdAt: rec.CreatedAt,
				size:      int64(len(k) + len(v)),
			})
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		if c.maxBytes <= 0 {
			return nil
		}

		var total int64
		for _, r := range live {
			total += r.size
		}
		if total <= c.maxBytes {
			return nil
		}

		sort.Slice(live, func(i, j int) bool {
			return live[i].createdAt.Before(live[j].createdAt)
		})

		for _, r := range live {
			if total <= c.maxBytes {
				break
			}
			if err := bucket.Delete([]byte(r.key)); err != nil {
				return err
			}
			total -= r.size
		}
		return nil
	})
}
