// Package voice opportunistically attaches audio to the peer links the
// session maintains. Chat never depends on it: every failure here
// leaves the data session untouched.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
	"github.com/oselabs/peerchat/internal/rendezvous"
)

// ErrMediaDenied: microphone permission or hardware failure. Surfaced
// without retry.
var ErrMediaDenied = errors.New("media denied")

// Capture is a live local audio source.
type Capture interface {
	Track() webrtc.TrackLocal
	Close() error
}

// CaptureFactory acquires the local audio capture handle.
type CaptureFactory func(ctx context.Context) (Capture, error)

// Sink plays one remote peer's audio. Exactly one sink is kept per
// peer; a reconnect replaces rather than stacks.
type Sink interface {
	Play(track *webrtc.TrackRemote)
	SetMuted(muted bool)
	Close()
}

// SinkFactory builds the playback sink for a peer.
type SinkFactory func(peer domain.PeerID) Sink

// Caller is the slice of the session the overlay needs: who is
// reachable, and the ability to place a call.
type Caller interface {
	Peers() []domain.PeerID
	CallPeer(ctx context.Context, peer domain.PeerID, track webrtc.TrackLocal) (rendezvous.Call, error)
}

// Overlay manages the microphone and the per-peer calls and sinks.
type Overlay struct {
	caller     Caller
	newCapture CaptureFactory
	newSink    SinkFactory

	mu           sync.Mutex
	capture      Capture
	calls        map[domain.PeerID]rendezvous.Call
	sinks        map[domain.PeerID]Sink
	speakerMuted bool
}

func NewOverlay(caller Caller, newCapture CaptureFactory, newSink SinkFactory) *Overlay {
	return &Overlay{
		caller:     caller,
		newCapture: newCapture,
		newSink:    newSink,
		calls:      make(map[domain.PeerID]rendezvous.Call),
		sinks:      make(map[domain.PeerID]Sink),
	}
}

// Capturing reports whether the microphone is live.
func (o *Overlay) Capturing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.capture != nil
}

// EnableMicrophone acquires the capture handle and calls every
// currently reachable peer with it. On acquisition failure nothing
// changes and the error is surfaced as ErrMediaDenied.
func (o *Overlay) EnableMicrophone(ctx context.Context) error {
	o.mu.Lock()
	if o.capture != nil {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	capture, err := o.newCapture(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaDenied, err)
	}

	// A concurrent enable may have won while the acquisition was in
	// flight; exactly one capture handle survives.
	o.mu.Lock()
	if o.capture != nil {
		o.mu.Unlock()
		if err := capture.Close(); err != nil {
			log.Warn().Err(err).Str("module", "voice").Msg("capture close")
		}
		return nil
	}
	o.capture = capture
	o.mu.Unlock()

	for _, peer := range o.caller.Peers() {
		o.callPeer(ctx, peer, capture.Track())
	}
	log.Info().Str("module", "voice").Msg("microphone enabled")
	return nil
}

// DisableMicrophone releases the capture handle. In-flight calls are
// left alone; they end when the underlying link or stream closes.
func (o *Overlay) DisableMicrophone() {
	o.mu.Lock()
	capture := o.capture
	o.capture = nil
	o.mu.Unlock()

	if capture == nil {
		return
	}
	if err := capture.Close(); err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("capture close")
	}
	log.Info().Str("module", "voice").Msg("microphone disabled")
}

// HandleIncomingCall always accepts: full duplex when capturing,
// receive-only otherwise.
func (o *Overlay) HandleIncomingCall(call rendezvous.Call) {
	peer := call.Peer()

	o.mu.Lock()
	var local webrtc.TrackLocal
	if o.capture != nil {
		local = o.capture.Track()
	}
	o.calls[peer] = call
	o.mu.Unlock()

	call.OnTrack(func(track *webrtc.TrackRemote) {
		o.playRemote(peer, track)
	})
	call.OnClose(func() {
		o.dropPeer(peer)
	})

	if err := call.Answer(local); err != nil {
		log.Warn().Err(err).Str("module", "voice").Str("peer", string(peer)).Msg("call answer")
		return
	}
	log.Info().Str("module", "voice").Str("peer", string(peer)).Bool("duplex", local != nil).Msg("call accepted")
}

// SetSpeakerMuted silences or restores every playback sink without
// touching the calls themselves.
func (o *Overlay) SetSpeakerMuted(muted bool) {
	o.mu.Lock()
	o.speakerMuted = muted
	sinks := make([]Sink, 0, len(o.sinks))
	for _, s := range o.sinks {
		sinks = append(sinks, s)
	}
	o.mu.Unlock()

	for _, s := range sinks {
		s.SetMuted(muted)
	}
	log.Info().Str("module", "voice").Bool("muted", muted).Msg("speaker state")
}

// SpeakerMuted reports the playback mute state.
func (o *Overlay) SpeakerMuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speakerMuted
}

// Close releases capture, calls, and sinks. Part of session teardown.
func (o *Overlay) Close() {
	o.DisableMicrophone()

	o.mu.Lock()
	calls := o.calls
	sinks := o.sinks
	o.calls = make(map[domain.PeerID]rendezvous.Call)
	o.sinks = make(map[domain.PeerID]Sink)
	o.mu.Unlock()

	for _, c := range calls {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("module", "voice").Msg("call close")
		}
	}
	for _, s := range sinks {
		s.Close()
	}
}

func (o *Overlay) callPeer(ctx context.Context, peer domain.PeerID, track webrtc.TrackLocal) {
	call, err := o.caller.CallPeer(ctx, peer, track)
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Str("peer", string(peer)).Msg("outbound call")
		return
	}

	o.mu.Lock()
	o.calls[peer] = call
	o.mu.Unlock()

	call.OnTrack(func(remote *webrtc.TrackRemote) {
		o.playRemote(peer, remote)
	})
	call.OnClose(func() {
		o.dropPeer(peer)
	})
}

// playRemote keeps exactly one sink per peer, replacing any prior one.
func (o *Overlay) playRemote(peer domain.PeerID, track *webrtc.TrackRemote) {
	sink := o.newSink(peer)

	o.mu.Lock()
	old := o.sinks[peer]
	o.sinks[peer] = sink
	muted := o.speakerMuted
	o.mu.Unlock()

	if old != nil {
		old.Close()
	}
	sink.SetMuted(muted)
	sink.Play(track)
	log.Debug().Str("module", "voice").Str("peer", string(peer)).Msg("remote stream playing")
}

func (o *Overlay) dropPeer(peer domain.PeerID) {
	o.mu.Lock()
	delete(o.calls, peer)
	sink := o.sinks[peer]
	delete(o.sinks, peer)
	o.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
}
