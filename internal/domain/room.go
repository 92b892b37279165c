// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"math/rand"
)

const (
	MaxNameLen  = 36
	MaxTitleLen = 64
)

var (
	ErrNameEmpty    = errors.New("name empty")
	ErrNameTooLong  = errors.New("name too long")
	ErrTitleEmpty   = errors.New("title empty")
	ErrTitleTooLong = errors.New("title too long")
)

type (
	// PeerID is the broker-assigned identifier of one node. The host's
	// PeerID doubles as the room identifier.
	PeerID string

	// RoomID is the host's broker identity; the only value that can open
	// a direct link to the room.
	RoomID string

	// ShortCode is the 4-digit human-friendly alias resolved through the
	// directory.
	ShortCode string
)

// RoomIdentity is fixed once the host's rendezvous connection opens.
type RoomIdentity struct {
	ID        RoomID
	ShortCode ShortCode
}

// RoomMetadata is set once by the host at creation and replicated
// verbatim to every guest via the join handshake.
type RoomMetadata struct {
	Title           string `json:"title"`
	Language        string `json:"language"`
	Level           string `json:"level"`
	HostName        string `json:"host"`
	MaxParticipants int    `json:"maxParticipants"`
}

// NewRoomMetadata keeps construction obvious and validation in one place.
func NewRoomMetadata(title, language, level, hostName string, maxParticipants int) (*RoomMetadata, error) {
	if title == "" {
		return nil, ErrTitleEmpty
	}
	if len(title) > MaxTitleLen {
		return nil, ErrTitleTooLong
	}
	if err := validateName(hostName); err != nil {
		return nil, err
	}
	return &RoomMetadata{
		Title:           title,
		Language:        language,
		Level:           level,
		HostName:        hostName,
		MaxParticipants: maxParticipants,
	}, nil
}

func validateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}

// NewShortCode returns a random 4-digit display code. Uniqueness is not
// guaranteed; the RoomID stays the authoritative identifier.
func NewShortCode() ShortCode {
	return ShortCode(fmt.Sprintf("%04d", rand.Intn(10000)))
}
