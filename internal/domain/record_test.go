package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewRoomMetadata(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		hostName string
		wantErr  error
	}{
		{"valid", "English practice", "Alice", nil},
		{"empty title", "", "Alice", ErrTitleEmpty},
		{"long title", strings.Repeat("x", MaxTitleLen+1), "Alice", ErrTitleTooLong},
		{"empty host", "English practice", "", ErrNameEmpty},
		{"long host", "English practice", strings.Repeat("x", MaxNameLen+1), ErrNameTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := NewRoomMetadata(tt.title, "English", "B2", tt.hostName, 4)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && meta.HostName != tt.hostName {
				t.Errorf("HostName = %q", meta.HostName)
			}
		})
	}
}

func TestNewDirectoryRecordSeedsHost(t *testing.T) {
	now := time.Now()
	identity := RoomIdentity{ID: "room-1", ShortCode: "4821"}
	meta := RoomMetadata{Title: "Practice", Language: "English", Level: "B2", HostName: "Alice", MaxParticipants: 4}

	rec := NewDirectoryRecord(identity, meta, now)

	if rec.ID != "room-1" || rec.ShortCode != "4821" {
		t.Errorf("identity not carried: %+v", rec)
	}
	if rec.CurrentParticipants != 1 {
		t.Errorf("CurrentParticipants = %d, want 1 (the host)", rec.CurrentParticipants)
	}
	if rec.CreatedAt != now.UnixMilli() || rec.LastActive != now.UnixMilli() {
		t.Errorf("timestamps = %d/%d, want %d", rec.CreatedAt, rec.LastActive, now.UnixMilli())
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("fresh record invalid: %v", err)
	}
}

func TestRecordValidate(t *testing.T) {
	rec := NewDirectoryRecord(RoomIdentity{ID: "room-1"}, RoomMetadata{HostName: "Alice"}, time.Now())

	noID := *rec
	noID.ID = ""
	if err := noID.Validate(); !errors.Is(err, ErrRecordNoID) {
		t.Errorf("err = %v, want ErrRecordNoID", err)
	}

	noHost := *rec
	noHost.HostName = ""
	if err := noHost.Validate(); !errors.Is(err, ErrRecordNoHost) {
		t.Errorf("err = %v, want ErrRecordNoHost", err)
	}
}

func TestRecordStaleAt(t *testing.T) {
	now := time.Now()
	rec := DirectoryRecord{LastActive: now.Add(-5 * time.Minute).UnixMilli()}

	if rec.StaleAt(now, 10*time.Minute) {
		t.Error("record within horizon reported stale")
	}
	if !rec.StaleAt(now, time.Minute) {
		t.Error("record past horizon not reported stale")
	}
}

func TestNewShortCodeFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := NewShortCode()
		if len(code) != 4 {
			t.Fatalf("code %q not 4 digits", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q contains non-digit", code)
			}
		}
	}
}
