package peerjs

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Signaling message types of the PeerJS protocol.
const (
	msgOpen      = "OPEN"
	msgOffer     = "OFFER"
	msgAnswer    = "ANSWER"
	msgCandidate = "CANDIDATE"
	msgLeave     = "LEAVE"
	msgExpire    = "EXPIRE"
	msgHeartbeat = "HEARTBEAT"
	msgError     = "ERROR"
	msgIDTaken   = "ID-TAKEN"
)

// Connection kinds carried in offer payloads.
const (
	connData  = "data"
	connMedia = "media"
)

var heartbeatFrame = []byte(`{"type":"HEARTBEAT"}`)

// message is one signaling frame. The server relays Dst-addressed
// frames and rewrites Src from the sending session.
type message struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// connPayload is the payload of OFFER/ANSWER/CANDIDATE frames.
type connPayload struct {
	SDP           *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Type          string                     `json:"type,omitempty"`
	ConnectionID  string                     `json:"connectionId,omitempty"`
	Label         string                     `json:"label,omitempty"`
	Serialization string                     `json:"serialization,omitempty"`
}

type errorPayload struct {
	Msg string `json:"msg"`
}

func marshalMessage(typ, dst string, payload connPayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Type: typ, Dst: dst, Payload: raw})
}
