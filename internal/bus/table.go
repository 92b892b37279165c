package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
	"github.com/oselabs/peerchat/internal/rendezvous"
)

// Table is the shared connection table: the set of peers that can
// currently be reached. It may lag the roster during a transient
// reconnect. Threadsafe; it never closes links except in CloseAll.
type Table struct {
	mu    sync.RWMutex
	links map[domain.PeerID]rendezvous.Link
}

func NewTable() *Table {
	return &Table{links: make(map[domain.PeerID]rendezvous.Link)}
}

func (t *Table) Put(peer domain.PeerID, link rendezvous.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[peer] = link
	log.Debug().Str("module", "bus.table").Str("peer", string(peer)).Msg("link added")
}

func (t *Table) Delete(peer domain.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, peer)
	log.Debug().Str("module", "bus.table").Str("peer", string(peer)).Msg("link removed")
}

func (t *Table) Get(peer domain.PeerID) (rendezvous.Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[peer]
	return l, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.links)
}

// Snapshot returns the current link set. Iteration happens outside the
// lock so a slow send never blocks table mutation.
func (t *Table) Snapshot() map[domain.PeerID]rendezvous.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.PeerID]rendezvous.Link, len(t.links))
	for p, l := range t.links {
		out[p] = l
	}
	return out
}

// CloseAll closes every link and empties the table. Used on teardown only.
func (t *Table) CloseAll() {
	t.mu.Lock()
	links := t.links
	t.links = make(map[domain.PeerID]rendezvous.Link)
	t.mu.Unlock()
	for peer, l := range links {
		if err := l.Close(); err != nil {
			log.Warn().Err(err).Str("module", "bus.table").Str("peer", string(peer)).Msg("link close")
		}
	}
}
