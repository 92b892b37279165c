package domain

// Participant represents one roster entry for a room.
// No transport or lifecycle logic here.
type Participant struct {
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(name string, isHost bool) (*Participant, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &Participant{Name: name, IsHost: isHost}, nil
}
