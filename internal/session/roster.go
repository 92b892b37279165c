package session

import (
	"github.com/oselabs/peerchat/internal/bus"
	"github.com/oselabs/peerchat/internal/domain"
)

// roster is the participant set one node believes is in the room.
// Insertion order reflects join order. Not threadsafe; the session's
// lock guards it.
type roster struct {
	order []domain.PeerID
	byID  map[domain.PeerID]domain.Participant
}

func newRoster() *roster {
	return &roster{byID: make(map[domain.PeerID]domain.Participant)}
}

// upsert inserts or replaces a participant, keeping first-insert order.
func (r *roster) upsert(peer domain.PeerID, p domain.Participant) {
	if _, ok := r.byID[peer]; !ok {
		r.order = append(r.order, peer)
	}
	r.byID[peer] = p
}

func (r *roster) remove(peer domain.PeerID) {
	if _, ok := r.byID[peer]; !ok {
		return
	}
	delete(r.byID, peer)
	for i, id := range r.order {
		if id == peer {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *roster) get(peer domain.PeerID) (domain.Participant, bool) {
	p, ok := r.byID[peer]
	return p, ok
}

func (r *roster) len() int { return len(r.byID) }

// entries returns the roster in join order, the shape the room_data
// snapshot carries.
func (r *roster) entries() []bus.RosterEntry {
	out := make([]bus.RosterEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, bus.RosterEntry{PeerID: id, Participant: r.byID[id]})
	}
	return out
}

// replace swaps the whole roster for a snapshot. Only a guest applying
// room_data does this.
func (r *roster) replace(entries []bus.RosterEntry) {
	r.order = r.order[:0]
	r.byID = make(map[domain.PeerID]domain.Participant, len(entries))
	for _, e := range entries {
		r.upsert(e.PeerID, e.Participant)
	}
}
