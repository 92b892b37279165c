package session

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/bus"
	"github.com/oselabs/peerchat/internal/domain"
	"github.com/oselabs/peerchat/internal/rendezvous"
)

// attachLink registers an open link in the connection table and wires
// its data and close handlers.
func (s *Session) attachLink(link rendezvous.Link) {
	peer := link.Peer()
	s.table.Put(peer, link)

	link.OnData(func(payload []byte) {
		s.handleData(peer, payload)
	})
	link.OnClose(func() {
		s.handleLinkClose(peer)
	})
	link.OnError(func(err error) {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(peer)).Msg("link error")
	})
}

// handleData dispatches one decoded envelope. Unknown tags are a no-op.
func (s *Session) handleData(from domain.PeerID, payload []byte) {
	msg, err := bus.Decode(payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(from)).Msg("bad envelope")
		return
	}
	if msg == nil {
		log.Debug().Str("module", "session").Str("peer", string(from)).Msg("unknown envelope type, skipping")
		return
	}

	switch m := msg.(type) {
	case bus.JoinRequest:
		s.handleJoinRequest(m)
	case bus.RoomData:
		s.handleRoomData(m)
	case bus.ParticipantJoined:
		s.handleParticipantJoined(m)
	case bus.ChatMessage:
		if s.events.Chat != nil {
			s.events.Chat(m.Sender, m.Message)
		}
	case bus.SystemMessage:
		s.notify(m.Message)
	}
}

// handleJoinRequest is the host side of the handshake: insert the
// joiner, reply with the full snapshot on its own link, then broadcast
// the join to everyone. The snapshot includes the joiner itself.
func (s *Session) handleJoinRequest(m bus.JoinRequest) {
	joiner, err := domain.NewParticipant(m.Name, false)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(m.PeerID)).Msg("rejecting join request")
		return
	}

	s.mu.Lock()
	if !s.isHost {
		s.mu.Unlock()
		return
	}
	s.roster.upsert(m.PeerID, *joiner)
	meta := s.meta
	entries := s.roster.entries()
	s.mu.Unlock()

	if err := s.bus.Send(m.PeerID, bus.RoomData{Meta: meta, Participants: entries}); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(m.PeerID)).Msg("room_data reply")
	}

	s.bus.Broadcast(bus.ParticipantJoined{Name: m.Name, PeerID: m.PeerID, IsHost: false})

	log.Info().Str("module", "session").Str("peer", string(m.PeerID)).Str("name", m.Name).Msg("participant joined")
	s.notify(fmt.Sprintf("%s joined the room", m.Name))
}

// handleRoomData is the guest side: the one wholesale replacement of
// metadata and roster a guest ever trusts. Applying an identical
// snapshot twice changes nothing.
func (s *Session) handleRoomData(m bus.RoomData) {
	s.mu.Lock()
	if s.isHost {
		s.mu.Unlock()
		return
	}
	s.meta = m.Meta
	s.roster.replace(m.Participants)
	entered := s.state == StateJoinRequested
	if entered {
		s.state = StateInRoom
		for _, e := range m.Participants {
			if e.Participant.IsHost {
				s.identity = domain.RoomIdentity{ID: domain.RoomID(e.PeerID)}
				break
			}
		}
	}
	meta := s.meta
	s.mu.Unlock()

	if entered {
		log.Info().Str("module", "session").Str("title", meta.Title).Msg("joined room")
		s.notify(fmt.Sprintf("Joined room: %s", meta.Title))
		if s.events.Entered != nil {
			s.events.Entered(meta)
		}
	}
}

// handleParticipantJoined is additive only, and never applied by the
// host: hosts mutate the roster from first-hand join requests alone,
// which keeps rebroadcasts from looping.
func (s *Session) handleParticipantJoined(m bus.ParticipantJoined) {
	s.mu.Lock()
	if s.isHost {
		s.mu.Unlock()
		return
	}
	self := m.PeerID == s.selfID
	s.roster.upsert(m.PeerID, domain.Participant{Name: m.Name, IsHost: m.IsHost})
	s.mu.Unlock()

	if !self {
		s.notify(fmt.Sprintf("%s joined the room", m.Name))
	}
}

// handleLinkClose drops the peer from the connection table and, on the
// host, from the roster. Departures are not rebroadcast: peers that
// never had a link to the departed one keep a stale roster entry.
func (s *Session) handleLinkClose(peer domain.PeerID) {
	s.table.Delete(peer)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	name := "Unknown"
	if p, ok := s.roster.get(peer); ok {
		name = p.Name
	}
	// Hosts delete on first-hand closes; a guest only ever sees the
	// close of a link it held itself, which is the one deletion a
	// guest is allowed.
	s.roster.remove(peer)
	s.mu.Unlock()

	log.Info().Str("module", "session").Str("peer", string(peer)).Msg("link closed")
	s.notify(fmt.Sprintf("%s left the room", name))
}
