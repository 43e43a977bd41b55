// SPDX-License-Identifier: MIT

// Package headercache caches parsed FITS header extracts in Badger so a
// re-sort over a large raw directory does not re-parse thousands of frames.
// Entries are keyed by path plus file size and mtime; any change to the file
// invalidates its entry.
package headercache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/gemini-dr/gnirspipe/internal/metrics"
)

// ErrMiss is returned when no valid entry exists for the key.
var ErrMiss = errors.New("headercache: miss")

// Cache is a Badger-backed key/value cache for parsed header extracts.
type Cache struct {
	db *badger.DB
}

// Open opens (or creates) a cache at dir.
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("headercache: open %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

// OpenInMemory opens an ephemeral cache, used by tests and one-shot runs.
func OpenInMemory() (*Cache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("headercache: open in-memory: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Key derives the cache key for the file at path from its current size and
// modification time.
func Key(path string, info os.FileInfo) string {
	return fmt.Sprintf("hdr:%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
}

// Get unmarshals the cached entry for key into out.
func (c *Cache) Get(key string, out any) error {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	switch {
	case err == nil:
		metrics.IncHeaderCache("hit")
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		metrics.IncHeaderCache("miss")
		return ErrMiss
	default:
		metrics.IncHeaderCache("error")
		return fmt.Errorf("headercache: get: %w", err)
	}
}

// Put stores v under key.
func (c *Cache) Put(key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("headercache: marshal: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
	if err != nil {
		return fmt.Errorf("headercache: put: %w", err)
	}
	return nil
}
