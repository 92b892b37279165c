package peerjs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
	"github.com/oselabs/peerchat/internal/rendezvous"
)

const dataChannelLabel = "data"

// Config points the adapter at a PeerJS-protocol server.
type Config struct {
	// ServerURL is the HTTP base of the broker, e.g.
	// https://broker.example.com. The websocket endpoint (/peerjs) and
	// the id endpoint (/{key}/id) derive from it.
	ServerURL string

	// Key is the broker API key. The public default is "peerjs".
	Key string

	// RTC overrides the peer connection configuration. Zero value gets
	// a public STUN server.
	RTC webrtc.Configuration
}

func DefaultRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Peer is one broker identity. It implements rendezvous.Broker.
type Peer struct {
	cfg   Config
	token string

	mu       sync.Mutex
	id       domain.PeerID
	sock     *wsSocket
	opened   bool
	closed   bool
	links    map[string]*dataLink
	calls    map[string]*mediaCall
	openCh   chan error
	cancelIO context.CancelFunc

	onConnection func(rendezvous.Link)
	onCall       func(rendezvous.Call)
	onError      func(error)
	onDisconn    func()
}

var _ rendezvous.Broker = (*Peer)(nil)

func New(cfg Config) *Peer {
	if cfg.Key == "" {
		cfg.Key = "peerjs"
	}
	if len(cfg.RTC.ICEServers) == 0 {
		cfg.RTC = DefaultRTCConfig()
	}
	return &Peer{
		cfg:    cfg,
		token:  uuid.NewString(),
		links:  make(map[string]*dataLink),
		calls:  make(map[string]*mediaCall),
		openCh: make(chan error, 1),
	}
}

// Open asks the broker for an identity and holds the signaling socket
// open. Returns once the server confirms the session.
func (p *Peer) Open(ctx context.Context) (domain.PeerID, error) {
	id, err := p.fetchID(ctx)
	if err != nil {
		return "", err
	}

	wsURL := fmt.Sprintf("%s/peerjs?key=%s&id=%s&token=%s",
		httpToWS(p.cfg.ServerURL), p.cfg.Key, id, p.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %w", rendezvous.ErrBrokerUnavailable, wsURL, err)
	}

	sock := newSocket(conn)
	ioCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.id = domain.PeerID(id)
	p.sock = sock
	p.cancelIO = cancel
	p.mu.Unlock()

	go sock.writePump(ioCtx)
	go sock.readPump(ioCtx, p.handleMessage, p.handleDisconnect)

	select {
	case err := <-p.openCh:
		if err != nil {
			p.Close()
			return "", err
		}
	case <-ctx.Done():
		p.Close()
		return "", ctx.Err()
	}

	log.Info().Str("module", "peerjs").Str("id", id).Msg("broker session open")
	return domain.PeerID(id), nil
}

// Connect opens an outbound data link. The returned link becomes usable
// when its open callback fires.
func (p *Peer) Connect(ctx context.Context, peer domain.PeerID) (rendezvous.Link, error) {
	if err := p.requireOpen(); err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(p.cfg.RTC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rendezvous.ErrTransportUnsupported, err)
	}

	connID := "dc_" + uuid.NewString()
	link := newDataLink(peer, connID, pc)

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, err
	}
	link.bindChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.links[connID] = link
	p.mu.Unlock()

	err = p.sendSignal(msgOffer, string(peer), connPayload{
		SDP:           pc.LocalDescription(),
		Type:          connData,
		ConnectionID:  connID,
		Label:         dataChannelLabel,
		Serialization: "json",
	})
	if err != nil {
		p.dropLink(connID)
		pc.Close()
		return nil, err
	}

	log.Info().Str("module", "peerjs").Str("peer", string(peer)).Str("conn", connID).Msg("outbound link offered")
	return link, nil
}

// Call places an outbound media call carrying the local track.
func (p *Peer) Call(ctx context.Context, peer domain.PeerID, track webrtc.TrackLocal) (rendezvous.Call, error) {
	if err := p.requireOpen(); err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(p.cfg.RTC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rendezvous.ErrTransportUnsupported, err)
	}

	connID := "mc_" + uuid.NewString()
	call := newMediaCall(peer, connID, pc, p.sendSignal)

	if track != nil {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, err
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.calls[connID] = call
	p.mu.Unlock()

	err = p.sendSignal(msgOffer, string(peer), connPayload{
		SDP:          pc.LocalDescription(),
		Type:         connMedia,
		ConnectionID: connID,
	})
	if err != nil {
		p.dropCall(connID)
		pc.Close()
		return nil, err
	}

	log.Info().Str("module", "peerjs").Str("peer", string(peer)).Str("conn", connID).Msg("outbound call offered")
	return call, nil
}

func (p *Peer) OnConnection(fn func(rendezvous.Link)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnection = fn
}

func (p *Peer) OnCall(fn func(rendezvous.Call)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCall = fn
}

func (p *Peer) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

func (p *Peer) OnDisconnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconn = fn
}

// Close destroys the identity: signaling socket, every link, every call.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.opened = false
	sock := p.sock
	cancel := p.cancelIO
	links := p.links
	calls := p.calls
	p.links = make(map[string]*dataLink)
	p.calls = make(map[string]*mediaCall)
	p.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	for _, c := range calls {
		_ = c.Close()
	}
	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.close()
	}
	log.Info().Str("module", "peerjs").Str("id", string(p.id)).Msg("broker identity destroyed")
	return nil
}

// fetchID asks the broker's id endpoint for a fresh identifier.
func (p *Peer) fetchID(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/%s/id?token=%s", p.cfg.ServerURL, p.cfg.Key, p.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", rendezvous.ErrBrokerUnavailable, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", rendezvous.ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: id endpoint status %d", rendezvous.ErrBrokerUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", rendezvous.ErrBrokerUnavailable, err)
	}
	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", fmt.Errorf("%w: empty id", rendezvous.ErrBrokerUnavailable)
	}
	return id, nil
}

func (p *Peer) requireOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened || p.closed {
		return rendezvous.ErrBrokerUnavailable
	}
	return nil
}

func (p *Peer) sendSignal(typ, dst string, payload connPayload) error {
	p.mu.Lock()
	sock := p.sock
	p.mu.Unlock()
	if sock == nil {
		return errSocketClosed
	}
	data, err := marshalMessage(typ, dst, payload)
	if err != nil {
		return err
	}
	return sock.trySend(data)
}

// handleMessage dispatches one signaling frame from the broker.
func (p *Peer) handleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("bad signaling frame")
		return
	}

	switch msg.Type {
	case msgOpen:
		p.mu.Lock()
		p.opened = true
		p.mu.Unlock()
		select {
		case p.openCh <- nil:
		default:
		}
	case msgIDTaken:
		select {
		case p.openCh <- fmt.Errorf("%w: id taken", rendezvous.ErrBrokerUnavailable):
		default:
		}
	case msgOffer:
		p.handleOffer(msg)
	case msgAnswer:
		p.handleAnswer(msg)
	case msgCandidate:
		p.handleCandidate(msg)
	case msgLeave, msgExpire:
		p.handlePeerGone(msg)
	case msgError:
		var ep errorPayload
		_ = json.Unmarshal(msg.Payload, &ep)
		log.Error().Str("module", "peerjs").Str("msg", ep.Msg).Msg("broker error")
		p.fireError(fmt.Errorf("%w: %s", rendezvous.ErrBrokerUnavailable, ep.Msg))
	default:
		log.Warn().Str("module", "peerjs").Str("type", msg.Type).Msg("unknown signal")
	}
}

// handleOffer accepts an inbound link or call.
func (p *Peer) handleOffer(msg message) {
	var payload connPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SDP == nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("bad offer payload")
		return
	}
	peer := domain.PeerID(msg.Src)

	switch payload.Type {
	case connData:
		p.acceptDataOffer(peer, payload)
	case connMedia:
		p.acceptMediaOffer(peer, payload)
	default:
		log.Warn().Str("module", "peerjs").Str("conn_type", payload.Type).Msg("unknown connection type")
	}
}

func (p *Peer) acceptDataOffer(peer domain.PeerID, payload connPayload) {
	pc, err := webrtc.NewPeerConnection(p.cfg.RTC)
	if err != nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("inbound link pc")
		return
	}

	link := newDataLink(peer, payload.ConnectionID, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		link.bindChannel(dc)
	})

	if err := pc.SetRemoteDescription(*payload.SDP); err != nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("inbound link offer")
		pc.Close()
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("inbound link answer")
		pc.Close()
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("inbound link local sdp")
		pc.Close()
		return
	}
	<-gatherComplete

	p.mu.Lock()
	p.links[payload.ConnectionID] = link
	fn := p.onConnection
	p.mu.Unlock()

	if err := p.sendSignal(msgAnswer, string(peer), connPayload{
		SDP:           pc.LocalDescription(),
		Type:          connData,
		ConnectionID:  payload.ConnectionID,
		Label:         payload.Label,
		Serialization: payload.Serialization,
	}); err != nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("inbound link answer send")
		p.dropLink(payload.ConnectionID)
		pc.Close()
		return
	}

	log.Info().Str("module", "peerjs").Str("peer", string(peer)).Str("conn", payload.ConnectionID).Msg("inbound link accepted")
	if fn != nil {
		fn(link)
	}
}

func (p *Peer) acceptMediaOffer(peer domain.PeerID, payload connPayload) {
	pc, err := webrtc.NewPeerConnection(p.cfg.RTC)
	if err != nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("inbound call pc")
		return
	}

	call := newMediaCall(peer, payload.ConnectionID, pc, p.sendSignal)
	call.setPendingOffer(*payload.SDP)

	p.mu.Lock()
	p.calls[payload.ConnectionID] = call
	fn := p.onCall
	p.mu.Unlock()

	log.Info().Str("module", "peerjs").Str("peer", string(peer)).Str("conn", payload.ConnectionID).Msg("inbound call")
	if fn != nil {
		fn(call)
	}
}

func (p *Peer) handleAnswer(msg message) {
	var payload connPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SDP == nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("bad answer payload")
		return
	}

	p.mu.Lock()
	link := p.links[payload.ConnectionID]
	call := p.calls[payload.ConnectionID]
	p.mu.Unlock()

	switch {
	case link != nil:
		if err := link.setAnswer(*payload.SDP); err != nil {
			log.Error().Err(err).Str("module", "peerjs").Msg("link set answer")
		}
	case call != nil:
		if err := call.setAnswer(*payload.SDP); err != nil {
			log.Error().Err(err).Str("module", "peerjs").Msg("call set answer")
		}
	default:
		log.Warn().Str("module", "peerjs").Str("conn", payload.ConnectionID).Msg("answer for unknown connection")
	}
}

func (p *Peer) handleCandidate(msg message) {
	var payload connPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Candidate == nil {
		log.Error().Err(err).Str("module", "peerjs").Msg("bad candidate payload")
		return
	}

	p.mu.Lock()
	link := p.links[payload.ConnectionID]
	call := p.calls[payload.ConnectionID]
	p.mu.Unlock()

	switch {
	case link != nil:
		if err := link.addCandidate(*payload.Candidate); err != nil {
			log.Error().Err(err).Str("module", "peerjs").Msg("link add candidate")
		}
	case call != nil:
		if err := call.addCandidate(*payload.Candidate); err != nil {
			log.Error().Err(err).Str("module", "peerjs").Msg("call add candidate")
		}
	}
}

// handlePeerGone closes every connection to a peer the broker reports
// as gone or unreachable.
func (p *Peer) handlePeerGone(msg message) {
	peer := domain.PeerID(msg.Src)
	log.Info().Str("module", "peerjs").Str("peer", string(peer)).Str("signal", msg.Type).Msg("peer gone")

	p.mu.Lock()
	var links []*dataLink
	var calls []*mediaCall
	for id, l := range p.links {
		if l.Peer() == peer {
			links = append(links, l)
			delete(p.links, id)
		}
	}
	for id, c := range p.calls {
		if c.Peer() == peer {
			calls = append(calls, c)
			delete(p.calls, id)
		}
	}
	p.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	for _, c := range calls {
		_ = c.Close()
	}
	if msg.Type == msgExpire {
		p.fireError(fmt.Errorf("%w: %s", rendezvous.ErrPeerUnreachable, peer))
	}
}

func (p *Peer) handleDisconnect() {
	p.mu.Lock()
	closed := p.closed
	fn := p.onDisconn
	p.mu.Unlock()
	if closed {
		return
	}
	log.Warn().Str("module", "peerjs").Msg("signaling socket lost")
	if fn != nil {
		fn()
	}
}

func (p *Peer) fireError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (p *Peer) dropLink(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.links, connID)
}

func (p *Peer) dropCall(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, connID)
}

func httpToWS(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
