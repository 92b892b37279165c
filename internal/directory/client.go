package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
)

// ErrDirectoryUnavailable marks a remote store failure. It is never
// fatal: every caller degrades to the local cache.
var ErrDirectoryUnavailable = errors.New("directory unavailable")

// ErrNotFound: no record matches the requested id or short code.
var ErrNotFound = errors.New("room not found")

const defaultHorizon = 10 * time.Minute

// Client merges the remote room directory with the local cache.
type Client struct {
	base    string
	http    *http.Client
	cache   *Cache
	horizon time.Duration
	now     func() time.Time
}

type Option func(*Client)

func WithHorizon(h time.Duration) Option {
	return func(c *Client) { c.horizon = h }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(base string, cache *Cache, opts ...Option) *Client {
	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: 5 * time.Second},
		cache:   cache,
		horizon: defaultHorizon,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish advertises a room. The remote write is fire-and-forget; the
// cache is mirrored synchronously regardless.
func (c *Client) Publish(ctx context.Context, rec domain.DirectoryRecord) {
	if err := c.cache.Put(rec); err != nil {
		log.Warn().Err(err).Str("module", "directory").Msg("cache put")
	}
	if err := c.put(ctx, fmt.Sprintf("/rooms/%s", rec.ID), rec); err != nil {
		log.Warn().Err(err).Str("module", "directory").Str("room", string(rec.ID)).Msg("remote publish failed, local only")
	}
}

// Refresh bumps lastActive and the participant count while hosting.
func (c *Client) Refresh(ctx context.Context, id domain.RoomID, participants int) {
	now := c.now().UnixMilli()

	records := c.cache.Load()
	if rec, ok := records[id]; ok {
		rec.LastActive = now
		rec.CurrentParticipants = participants
		if err := c.cache.Put(rec); err != nil {
			log.Warn().Err(err).Str("module", "directory").Msg("cache refresh")
		}
	}

	if err := c.put(ctx, fmt.Sprintf("/rooms/%s/lastActive", id), now); err != nil {
		log.Warn().Err(err).Str("module", "directory").Str("room", string(id)).Msg("remote activity refresh failed")
		return
	}
	if err := c.put(ctx, fmt.Sprintf("/rooms/%s/currentParticipants", id), participants); err != nil {
		log.Warn().Err(err).Str("module", "directory").Str("room", string(id)).Msg("remote participant refresh failed")
	}
}

// Remove deletes the advertisement locally and, best effort, remotely.
func (c *Client) Remove(ctx context.Context, id domain.RoomID) {
	if err := c.cache.Delete(id); err != nil {
		log.Warn().Err(err).Str("module", "directory").Msg("cache delete")
	}
	if err := c.del(ctx, fmt.Sprintf("/rooms/%s", id)); err != nil {
		log.Warn().Err(err).Str("module", "directory").Str("room", string(id)).Msg("remote delete failed")
	}
}

// List returns the merged, de-duplicated, staleness-filtered record set,
// newest activity first. Stale entries are dropped and queued for remote
// deletion. Remote failure degrades to the cache alone.
func (c *Client) List(ctx context.Context) []domain.DirectoryRecord {
	merged := c.merged(ctx)

	now := c.now()
	out := make([]domain.DirectoryRecord, 0, len(merged))
	for id, rec := range merged {
		if rec.StaleAt(now, c.horizon) {
			log.Debug().Str("module", "directory").Str("room", string(id)).Msg("evicting stale record")
			c.Remove(ctx, id)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive > out[j].LastActive })
	return out
}

// Resolve maps a full room id or a 4-digit short code to the room id,
// exact match only, first match wins.
func (c *Client) Resolve(ctx context.Context, idOrCode string) (domain.RoomID, error) {
	for _, rec := range c.List(ctx) {
		if string(rec.ID) == idOrCode || string(rec.ShortCode) == idOrCode {
			return rec.ID, nil
		}
	}
	return "", ErrNotFound
}

// merged overlays remote records on the cache; for a room present on
// both sides the greater lastActive wins. Malformed remote records are
// dropped at the boundary.
func (c *Client) merged(ctx context.Context) map[domain.RoomID]domain.DirectoryRecord {
	merged := c.cache.Load()

	remote, err := c.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "directory").Msg("remote fetch failed, local only")
		return merged
	}
	for id, rec := range remote {
		if rec.ID == "" {
			rec.ID = id
		}
		if err := rec.Validate(); err != nil {
			log.Debug().Err(err).Str("module", "directory").Str("room", string(id)).Msg("dropping malformed remote record")
			continue
		}
		if local, ok := merged[id]; ok && local.LastActive >= rec.LastActive {
			continue
		}
		merged[id] = rec
	}
	return merged
}

func (c *Client) fetch(ctx context.Context) (map[domain.RoomID]domain.DirectoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/rooms", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}
	out := make(map[domain.RoomID]domain.DirectoryRecord)
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	return out, nil
}

func (c *Client) put(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) del(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}
	return nil
}
