package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/oselabs/peerchat/internal/domain"
)

type fakeRemote struct {
	mu      sync.Mutex
	rooms   map[domain.RoomID]domain.DirectoryRecord
	deletes []string
	fail    bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rooms: make(map[domain.RoomID]domain.DirectoryRecord)}
}

func (f *fakeRemote) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rooms":
			_ = json.NewEncoder(w).Encode(f.rooms)
		case r.Method == http.MethodDelete:
			f.deletes = append(f.deletes, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPut:
			if strings.HasSuffix(r.URL.Path, "/lastActive") || strings.HasSuffix(r.URL.Path, "/currentParticipants") {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			var rec domain.DirectoryRecord
			_ = json.NewDecoder(r.Body).Decode(&rec)
			f.rooms[rec.ID] = rec
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func record(id, code string, lastActive time.Time) domain.DirectoryRecord {
	return domain.DirectoryRecord{
		ID:         domain.RoomID(id),
		ShortCode:  domain.ShortCode(code),
		Title:      "Practice",
		HostName:   "Alice",
		CreatedAt:  lastActive.UnixMilli(),
		LastActive: lastActive.UnixMilli(),
	}
}

func newTestClient(t *testing.T, remote *fakeRemote, now time.Time) (*Client, *Cache) {
	t.Helper()
	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)
	cache := NewCache(afero.NewMemMapFs(), "rooms.json")
	c := NewClient(srv.URL, cache,
		WithHorizon(10*time.Minute),
		WithClock(func() time.Time { return now }))
	return c, cache
}

func TestListMergePrefersNewerActivity(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	c, cache := newTestClient(t, remote, now)

	stale := record("room-1", "1111", now.Add(-2*time.Minute))
	fresh := record("room-1", "1111", now.Add(-1*time.Minute))
	fresh.Title = "Practice v2"

	if err := cache.Put(stale); err != nil {
		t.Fatalf("cache put: %v", err)
	}
	remote.rooms["room-1"] = fresh

	list := c.List(context.Background())
	if len(list) != 1 {
		t.Fatalf("list size = %d, want 1", len(list))
	}
	if list[0].Title != "Practice v2" {
		t.Errorf("merge kept older record: %+v", list[0])
	}

	// The other way round: a newer local record wins over remote.
	newest := record("room-1", "1111", now)
	newest.Title = "Practice v3"
	if err := cache.Put(newest); err != nil {
		t.Fatalf("cache put: %v", err)
	}
	list = c.List(context.Background())
	if len(list) != 1 || list[0].Title != "Practice v3" {
		t.Errorf("local newer record lost the merge: %+v", list)
	}
}

func TestListEvictsStaleAndQueuesRemoteDelete(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	c, cache := newTestClient(t, remote, now)

	if err := cache.Put(record("old-room", "9999", now.Add(-time.Hour))); err != nil {
		t.Fatalf("cache put: %v", err)
	}
	if err := cache.Put(record("live-room", "1234", now)); err != nil {
		t.Fatalf("cache put: %v", err)
	}

	list := c.List(context.Background())
	if len(list) != 1 || list[0].ID != "live-room" {
		t.Fatalf("list = %+v, want only live-room", list)
	}

	remote.mu.Lock()
	deletes := append([]string(nil), remote.deletes...)
	remote.mu.Unlock()
	if len(deletes) != 1 || deletes[0] != "/rooms/old-room" {
		t.Errorf("remote deletes = %v, want [/rooms/old-room]", deletes)
	}

	if _, ok := cache.Load()["old-room"]; ok {
		t.Error("stale record still cached")
	}
}

func TestListSortsNewestFirst(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	c, _ := newTestClient(t, remote, now)

	remote.rooms["a"] = record("a", "0001", now.Add(-3*time.Minute))
	remote.rooms["b"] = record("b", "0002", now)
	remote.rooms["c"] = record("c", "0003", now.Add(-1*time.Minute))

	list := c.List(context.Background())
	if len(list) != 3 {
		t.Fatalf("list size = %d, want 3", len(list))
	}
	if list[0].ID != "b" || list[1].ID != "c" || list[2].ID != "a" {
		t.Errorf("order = %s %s %s, want b c a", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestListDropsMalformedRemoteRecords(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	c, _ := newTestClient(t, remote, now)

	good := record("good", "1234", now)
	bad := record("bad", "5678", now)
	bad.HostName = ""
	remote.rooms["good"] = good
	remote.rooms["bad"] = bad

	list := c.List(context.Background())
	if len(list) != 1 || list[0].ID != "good" {
		t.Errorf("list = %+v, want only the valid record", list)
	}
}

func TestRemoteFailureDegradesToCache(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	remote.fail = true
	c, cache := newTestClient(t, remote, now)

	if err := cache.Put(record("room-1", "4821", now)); err != nil {
		t.Fatalf("cache put: %v", err)
	}

	list := c.List(context.Background())
	if len(list) != 1 || list[0].ID != "room-1" {
		t.Errorf("expected cached record despite remote failure, got %+v", list)
	}
}

func TestResolve(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	c, _ := newTestClient(t, remote, now)

	remote.rooms["room-1"] = record("room-1", "4821", now)

	t.Run("by id", func(t *testing.T) {
		id, err := c.Resolve(context.Background(), "room-1")
		if err != nil || id != "room-1" {
			t.Errorf("resolve by id = %q, %v", id, err)
		}
	})
	t.Run("by short code", func(t *testing.T) {
		id, err := c.Resolve(context.Background(), "4821")
		if err != nil || id != "room-1" {
			t.Errorf("resolve by code = %q, %v", id, err)
		}
	})
	t.Run("not found", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), "0000")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPublishMirrorsToCacheWhenRemoteDown(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	remote.fail = true
	c, cache := newTestClient(t, remote, now)

	c.Publish(context.Background(), record("room-1", "4821", now))

	if _, ok := cache.Load()["room-1"]; !ok {
		t.Error("publish did not mirror to cache")
	}
}

func TestRefreshUpdatesCache(t *testing.T) {
	now := time.Now()
	remote := newFakeRemote()
	c, cache := newTestClient(t, remote, now)

	old := record("room-1", "4821", now.Add(-5*time.Minute))
	if err := cache.Put(old); err != nil {
		t.Fatalf("cache put: %v", err)
	}

	c.Refresh(context.Background(), "room-1", 3)

	got := cache.Load()["room-1"]
	if got.CurrentParticipants != 3 {
		t.Errorf("participants = %d, want 3", got.CurrentParticipants)
	}
	if got.LastActive != now.UnixMilli() {
		t.Errorf("lastActive = %d, want %d", got.LastActive, now.UnixMilli())
	}
}
