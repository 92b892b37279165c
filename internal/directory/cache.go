// Package directory reads and writes room advertisements: a remote
// key-value store merged with a local cache, with stale entries expired
// on read. The remote side is best-effort; the cache is authoritative
// for availability, the remote for freshness.
package directory

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/oselabs/peerchat/internal/domain"
)

// Cache is the local persistent mirror of the directory: the whole
// room blob under one file, JSON-shaped as {roomId: record}.
type Cache struct {
	fs   afero.Fs
	path string
}

func NewCache(fs afero.Fs, path string) *Cache {
	return &Cache{fs: fs, path: path}
}

// Load reads the cached blob. A missing or unreadable file is an empty
// directory, never an error surfaced to the caller's flow.
func (c *Cache) Load() map[domain.RoomID]domain.DirectoryRecord {
	out := make(map[domain.RoomID]domain.DirectoryRecord)
	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return make(map[domain.RoomID]domain.DirectoryRecord)
	}
	return out
}

// Save overwrites the cached blob.
func (c *Cache) Save(records map[domain.RoomID]domain.DirectoryRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cache dir: %w", err)
		}
	}
	if err := afero.WriteFile(c.fs, c.path, data, 0o644); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Put upserts one record into the cached blob.
func (c *Cache) Put(rec domain.DirectoryRecord) error {
	records := c.Load()
	records[rec.ID] = rec
	return c.Save(records)
}

// Delete drops one record from the cached blob.
func (c *Cache) Delete(id domain.RoomID) error {
	records := c.Load()
	delete(records, id)
	return c.Save(records)
}
