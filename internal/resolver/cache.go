package resolver

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var responsesBucket = []byte("responses")

type cacheEntry struct {
	StoredAt time.Time `json:"stored_at"`
	Body     []byte    `json:"body"`
}

// Cache keeps metadata responses in a bbolt file for ttl.
type Cache struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open resolver cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(responsesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init resolver cache: %w", err)
	}

	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached body for key when it is younger than the ttl.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	var entry *cacheEntry

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(responsesBucket).Get([]byte(key))
		if data == nil {
			return nil
		}

		entry = &cacheEntry{}

		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, false, err
	}

	if entry == nil || c.now().Sub(entry.StoredAt) > c.ttl {
		return nil, false, nil
	}

	return entry.Body, true, nil
}

func (c *Cache) Put(key string, body []byte) error {
	encoded, err := json.Marshal(cacheEntry{StoredAt: c.now(), Body: body})
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(responsesBucket).Put([]byte(key), encoded)
	})
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache) Prune() (int, error) {
	removed := 0

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(responsesBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil || c.now().Sub(entry.StoredAt) > c.ttl {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		return nil
	})

	return removed, err
}

func (c *Cache) Close() error {
	return c.db.Close()
}
