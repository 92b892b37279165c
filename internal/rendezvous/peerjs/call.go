package peerjs

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
)

var errAlreadyAnswered = errors.New("call already answered")

// mediaCall is one media connection to a single peer, independent of
// any data link. Inbound calls hold the remote offer until Answer.
type mediaCall struct {
	peer   domain.PeerID
	connID string
	pc     *webrtc.PeerConnection
	send   func(typ, dst string, payload connPayload) error

	mu           sync.Mutex
	pendingOffer *webrtc.SessionDescription
	answered     bool
	closed       bool
	onTrack      func(*webrtc.TrackRemote)
	onCloseF     func()
}

func newMediaCall(peer domain.PeerID, connID string, pc *webrtc.PeerConnection,
	send func(typ, dst string, payload connPayload) error) *mediaCall {

	c := &mediaCall{peer: peer, connID: connID, pc: pc, send: send}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "peerjs").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.fireClose()
		}
	})
	return c
}

func (c *mediaCall) Peer() domain.PeerID { return c.peer }

// Answer accepts an inbound call: full duplex with a track, receive-only
// without one. Outbound calls are answered by the remote side.
func (c *mediaCall) Answer(track webrtc.TrackLocal) error {
	c.mu.Lock()
	if c.answered {
		c.mu.Unlock()
		return errAlreadyAnswered
	}
	c.answered = true
	offer := c.pendingOffer
	c.pendingOffer = nil
	c.mu.Unlock()

	if offer == nil {
		return errors.New("no pending offer")
	}

	if track != nil {
		if _, err := c.pc.AddTrack(track); err != nil {
			return err
		}
	} else {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
	}

	if err := c.pc.SetRemoteDescription(*offer); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	<-gatherComplete

	return c.send(msgAnswer, string(c.peer), connPayload{
		SDP:          c.pc.LocalDescription(),
		Type:         connMedia,
		ConnectionID: c.connID,
	})
}

func (c *mediaCall) OnTrack(fn func(track *webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *mediaCall) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCloseF = fn
}

func (c *mediaCall) Close() error {
	c.fireClose()
	return c.pc.Close()
}

func (c *mediaCall) fireClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onCloseF
	c.mu.Unlock()
	log.Debug().Str("module", "peerjs").Str("peer", string(c.peer)).Msg("call closed")
	if fn != nil {
		fn()
	}
}

func (c *mediaCall) addCandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *mediaCall) setAnswer(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *mediaCall) setPendingOffer(sdp webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingOffer = &sdp
}
