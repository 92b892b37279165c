package peerjs

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
)

var errLinkNotOpen = errors.New("link not open")

// dataLink is one direct data channel to a single peer.
type dataLink struct {
	peer   domain.PeerID
	connID string
	pc     *webrtc.PeerConnection

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	open     bool
	closed   bool
	onOpen   func()
	onData   func([]byte)
	onCloseF func()
	onErr    func(error)
}

func newDataLink(peer domain.PeerID, connID string, pc *webrtc.PeerConnection) *dataLink {
	l := &dataLink{peer: peer, connID: connID, pc: pc}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "peerjs").Str("peer", string(peer)).Str("state", s.String()).Msg("link pc state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			l.fireClose()
		}
	})
	return l
}

// bindChannel attaches the data channel once it exists: immediately for
// the dialing side, on OnDataChannel for the accepting side.
func (l *dataLink) bindChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.open = true
		fn := l.onOpen
		l.mu.Unlock()
		log.Info().Str("module", "peerjs").Str("peer", string(l.peer)).Msg("link open")
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		fn := l.onData
		l.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		l.fireClose()
	})
	dc.OnError(func(err error) {
		l.mu.Lock()
		fn := l.onErr
		l.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}

func (l *dataLink) Peer() domain.PeerID { return l.peer }

func (l *dataLink) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open && !l.closed
}

func (l *dataLink) Send(payload []byte) error {
	l.mu.Lock()
	dc := l.dc
	ok := l.open && !l.closed
	l.mu.Unlock()
	if !ok || dc == nil {
		return errLinkNotOpen
	}
	return dc.Send(payload)
}

// OnOpen fires immediately when the link is already open, so late
// registration never loses the event.
func (l *dataLink) OnOpen(fn func()) {
	l.mu.Lock()
	l.onOpen = fn
	already := l.open && !l.closed
	l.mu.Unlock()
	if already && fn != nil {
		fn()
	}
}

func (l *dataLink) OnData(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onData = fn
}

func (l *dataLink) OnClose(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCloseF = fn
}

func (l *dataLink) OnError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onErr = fn
}

func (l *dataLink) Close() error {
	l.fireClose()
	return l.pc.Close()
}

func (l *dataLink) fireClose() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.open = false
	fn := l.onCloseF
	l.mu.Unlock()
	log.Info().Str("module", "peerjs").Str("peer", string(l.peer)).Msg("link closed")
	if fn != nil {
		fn()
	}
}

func (l *dataLink) addCandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *dataLink) setAnswer(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}
