package domain

import (
	"errors"
	"time"
)

var (
	ErrRecordNoID   = errors.New("record missing room id")
	ErrRecordNoHost = errors.New("record missing host name")
)

// DirectoryRecord is a room advertisement persisted in the shared
// directory. Timestamps are unix milliseconds, matching the remote store.
type DirectoryRecord struct {
	ID                  RoomID    `json:"id"`
	ShortCode           ShortCode `json:"shortCode"`
	Title               string    `json:"title"`
	Language            string    `json:"language"`
	Level               string    `json:"level"`
	HostName            string    `json:"hostName"`
	MaxParticipants     int       `json:"maxParticipants"`
	CurrentParticipants int       `json:"currentParticipants"`
	CreatedAt           int64     `json:"createdAt"`
	LastActive          int64     `json:"lastActive"`
}

// NewDirectoryRecord builds the advertisement a host publishes on room open.
func NewDirectoryRecord(identity RoomIdentity, meta RoomMetadata, now time.Time) *DirectoryRecord {
	ms := now.UnixMilli()
	return &DirectoryRecord{
		ID:                  identity.ID,
		ShortCode:           identity.ShortCode,
		Title:               meta.Title,
		Language:            meta.Language,
		Level:               meta.Level,
		HostName:            meta.HostName,
		MaxParticipants:     meta.MaxParticipants,
		CurrentParticipants: 1,
		CreatedAt:           ms,
		LastActive:          ms,
	}
}

// Validate rejects records the remote directory hands back with the
// load-bearing fields missing. The remote store is untrusted input;
// malformed records are dropped, never propagated.
func (r *DirectoryRecord) Validate() error {
	if r.ID == "" {
		return ErrRecordNoID
	}
	if r.HostName == "" {
		return ErrRecordNoHost
	}
	return nil
}

// StaleAt reports whether the record's last activity is older than
// horizon at the given instant.
func (r *DirectoryRecord) StaleAt(now time.Time, horizon time.Duration) bool {
	return now.UnixMilli()-r.LastActive > horizon.Milliseconds()
}
