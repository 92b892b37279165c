// Package bus carries typed envelopes over direct peer links and fans
// broadcasts out to every open link in the connection table.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oselabs/peerchat/internal/domain"
)

const (
	typeJoinRequest       = "join_request"
	typeRoomData          = "room_data"
	typeParticipantJoined = "participant_joined"
	typeChatMessage       = "chat_message"
	typeSystemMessage     = "system_message"
)

var ErrBadEnvelope = errors.New("bad envelope")

// Message is one decoded envelope. Exactly one concrete type per wire
// tag; unknown tags decode to nil so new peers stay compatible with old.
type Message interface {
	isMessage()
}

// JoinRequest is the first envelope a guest sends on its link to the host.
type JoinRequest struct {
	Name   string
	PeerID domain.PeerID
}

// RoomData is the host's snapshot reply to a join request: full metadata
// plus the complete roster at that moment, joiner included.
type RoomData struct {
	Meta         domain.RoomMetadata
	Participants []RosterEntry
}

// ParticipantJoined is broadcast by the host to every previously
// connected peer after a join is accepted.
type ParticipantJoined struct {
	Name   string
	PeerID domain.PeerID
	IsHost bool
}

type ChatMessage struct {
	Message string
	Sender  string
}

type SystemMessage struct {
	Message string
}

func (JoinRequest) isMessage()       {}
func (RoomData) isMessage()          {}
func (ParticipantJoined) isMessage() {}
func (ChatMessage) isMessage()       {}
func (SystemMessage) isMessage()     {}

// RosterEntry is one (peerId, participant) pair. On the wire it is a
// two-element array, matching the snapshot shape guests apply wholesale.
type RosterEntry struct {
	PeerID      domain.PeerID
	Participant domain.Participant
}

func (e RosterEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.PeerID, e.Participant})
}

func (e *RosterEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("roster entry: %w", err)
	}
	if pair[0] == nil || pair[1] == nil {
		return fmt.Errorf("%w: short roster entry", ErrBadEnvelope)
	}
	if err := json.Unmarshal(pair[0], &e.PeerID); err != nil {
		return fmt.Errorf("roster entry id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Participant); err != nil {
		return fmt.Errorf("roster entry participant: %w", err)
	}
	return nil
}

type joinRequestWire struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	PeerID string `json:"peerId"`
}

type roomDataBody struct {
	Title        string        `json:"title"`
	Language     string        `json:"language"`
	Level        string        `json:"level"`
	Host         string        `json:"host"`
	Participants []RosterEntry `json:"participants"`
}

type roomDataWire struct {
	Type     string       `json:"type"`
	RoomData roomDataBody `json:"roomData"`
}

type participantWire struct {
	Name   string `json:"name"`
	PeerID string `json:"peerId"`
	IsHost bool   `json:"isHost"`
}

type participantJoinedWire struct {
	Type        string          `json:"type"`
	Participant participantWire `json:"participant"`
}

type chatMessageWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

type systemMessageWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Encode serializes a message into its wire envelope.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case JoinRequest:
		return json.Marshal(joinRequestWire{Type: typeJoinRequest, Name: v.Name, PeerID: string(v.PeerID)})
	case RoomData:
		return json.Marshal(roomDataWire{Type: typeRoomData, RoomData: roomDataBody{
			Title:        v.Meta.Title,
			Language:     v.Meta.Language,
			Level:        v.Meta.Level,
			Host:         v.Meta.HostName,
			Participants: v.Participants,
		}})
	case ParticipantJoined:
		return json.Marshal(participantJoinedWire{Type: typeParticipantJoined, Participant: participantWire{
			Name:   v.Name,
			PeerID: string(v.PeerID),
			IsHost: v.IsHost,
		}})
	case ChatMessage:
		return json.Marshal(chatMessageWire{Type: typeChatMessage, Message: v.Message, Sender: v.Sender})
	case SystemMessage:
		return json.Marshal(systemMessageWire{Type: typeSystemMessage, Message: v.Message})
	default:
		return nil, fmt.Errorf("%w: unencodable message %T", ErrBadEnvelope, m)
	}
}

// Decode parses a wire envelope into its typed message. An unknown type
// tag returns (nil, nil): callers skip it and keep the link alive.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	switch env.Type {
	case typeJoinRequest:
		var w joinRequestWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("join_request: %w", err)
		}
		if w.Name == "" || w.PeerID == "" {
			return nil, fmt.Errorf("%w: join_request missing name or peerId", ErrBadEnvelope)
		}
		return JoinRequest{Name: w.Name, PeerID: domain.PeerID(w.PeerID)}, nil
	case typeRoomData:
		var w roomDataWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("room_data: %w", err)
		}
		return RoomData{
			Meta: domain.RoomMetadata{
				Title:    w.RoomData.Title,
				Language: w.RoomData.Language,
				Level:    w.RoomData.Level,
				HostName: w.RoomData.Host,
			},
			Participants: w.RoomData.Participants,
		}, nil
	case typeParticipantJoined:
		var w participantJoinedWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("participant_joined: %w", err)
		}
		if w.Participant.PeerID == "" {
			return nil, fmt.Errorf("%w: participant_joined missing peerId", ErrBadEnvelope)
		}
		return ParticipantJoined{
			Name:   w.Participant.Name,
			PeerID: domain.PeerID(w.Participant.PeerID),
			IsHost: w.Participant.IsHost,
		}, nil
	case typeChatMessage:
		var w chatMessageWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("chat_message: %w", err)
		}
		return ChatMessage{Message: w.Message, Sender: w.Sender}, nil
	case typeSystemMessage:
		var w systemMessageWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("system_message: %w", err)
		}
		return SystemMessage{Message: w.Message}, nil
	default:
		return nil, nil
	}
}
