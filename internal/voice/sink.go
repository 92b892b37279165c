package voice

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
)

// DrainSink consumes a remote track so the transport keeps flowing.
// A platform audio backend would hand the packets to a device instead;
// headless runs just drain them.
type DrainSink struct {
	peer  domain.PeerID
	muted atomic.Bool

	mu     sync.Mutex
	closed chan struct{}
}

func NewDrainSink(peer domain.PeerID) Sink {
	return &DrainSink{peer: peer, closed: make(chan struct{})}
}

func (s *DrainSink) Play(track *webrtc.TrackRemote) {
	go func() {
		for {
			select {
			case <-s.closed:
				return
			default:
			}
			if _, _, err := track.ReadRTP(); err != nil {
				log.Debug().Err(err).Str("module", "voice").Str("peer", string(s.peer)).Msg("remote track ended")
				return
			}
			// Muted playback still reads; the device just stays silent.
		}
	}()
}

func (s *DrainSink) SetMuted(muted bool) {
	s.muted.Store(muted)
}

func (s *DrainSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
