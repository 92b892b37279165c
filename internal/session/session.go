// Package session owns room identity, the participant roster, and the
// host/guest role, and drives the join handshake and membership
// broadcast protocol on top of the rendezvous substrate.
//
// One Session covers one room lifetime: construct, Create or Join,
// then Leave. Nothing survives Leave.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/bus"
	"github.com/oselabs/peerchat/internal/directory"
	"github.com/oselabs/peerchat/internal/domain"
	"github.com/oselabs/peerchat/internal/rendezvous"
)

// ErrTimeout: a bounded step exceeded its ceiling.
var ErrTimeout = errors.New("operation timed out")

// ErrBadState: the operation is not valid in the session's current state.
var ErrBadState = errors.New("invalid session state")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHosting
	StateJoinRequested
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHosting:
		return "hosting"
	case StateJoinRequested:
		return "join_requested"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// BrokerFactory builds a fresh broker identity per connection attempt.
// A timed-out or failed identity is destroyed, never reused.
type BrokerFactory func() rendezvous.Broker

// Events are the session's outward callbacks. Nil fields are skipped.
// Callbacks fire outside the session lock.
type Events struct {
	// Notice delivers system messages: joins, departures, room lifecycle.
	Notice func(text string)

	// Chat delivers chat messages, local echo included.
	Chat func(sender, text string)

	// Entered fires once the node is in the room with metadata settled.
	Entered func(meta domain.RoomMetadata)

	// IncomingCall hands inbound media calls to the voice overlay.
	IncomingCall func(call rendezvous.Call)
}

// Config bounds the connection phases. Each ceiling is independent; the
// overall budget caps a whole create/join attempt.
type Config struct {
	Overall       time.Duration
	BrokerOpen    time.Duration
	LinkOpen      time.Duration
	RetryBackoff  time.Duration
	RefreshPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		Overall:       30 * time.Second,
		BrokerOpen:    10 * time.Second,
		LinkOpen:      10 * time.Second,
		RetryBackoff:  500 * time.Millisecond,
		RefreshPeriod: 30 * time.Second,
	}
}

// Session is the membership state machine for one room lifetime.
type Session struct {
	newBroker BrokerFactory
	dir       *directory.Client
	cfg       Config
	events    Events

	table *bus.Table
	bus   *bus.Bus

	mu       sync.Mutex
	state    State
	broker   rendezvous.Broker
	selfID   domain.PeerID
	selfName string
	isHost   bool
	identity domain.RoomIdentity
	meta     domain.RoomMetadata
	roster   *roster

	refreshCancel context.CancelFunc
}

func New(factory BrokerFactory, dir *directory.Client, cfg Config, events Events) *Session {
	table := bus.NewTable()
	return &Session{
		newBroker: factory,
		dir:       dir,
		cfg:       cfg,
		events:    events,
		table:     table,
		bus:       bus.New(table),
		roster:    newRoster(),
	}
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the room identity. Zero until hosting or joined.
func (s *Session) Identity() domain.RoomIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Metadata returns the replicated room metadata.
func (s *Session) Metadata() domain.RoomMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// SelfID returns this node's broker identity.
func (s *Session) SelfID() domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// Roster returns the participant set in join order.
func (s *Session) Roster() []bus.RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.entries()
}

// Peers returns the peers currently reachable over a direct link.
func (s *Session) Peers() []domain.PeerID {
	snap := s.table.Snapshot()
	out := make([]domain.PeerID, 0, len(snap))
	for p := range snap {
		out = append(out, p)
	}
	return out
}

// ParticipantName resolves a peer id to its roster name, "Unknown" when
// the peer is not listed.
func (s *Session) ParticipantName(peer domain.PeerID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.roster.get(peer); ok {
		return p.Name
	}
	return "Unknown"
}

// Create opens a room: registers a broker identity, seeds the roster
// with the host, advertises the room, and starts the activity refresh.
// Up to two extra attempts are made on broker failure before giving up.
func (s *Session) Create(ctx context.Context, hostName string, meta domain.RoomMetadata) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadState, st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Overall)
	defer cancel()

	broker, selfID, err := s.openBroker(ctx, 2)
	if err != nil {
		s.backToIdle()
		return err
	}

	identity := domain.RoomIdentity{ID: domain.RoomID(selfID), ShortCode: domain.NewShortCode()}

	s.mu.Lock()
	s.broker = broker
	s.selfID = selfID
	s.selfName = hostName
	s.isHost = true
	s.identity = identity
	s.meta = meta
	s.roster.upsert(selfID, domain.Participant{Name: hostName, IsHost: true})
	s.state = StateHosting
	s.mu.Unlock()

	s.wireBroker(broker)

	s.dir.Publish(ctx, *domain.NewDirectoryRecord(identity, meta, time.Now()))
	s.startRefresh()

	s.mu.Lock()
	s.state = StateInRoom
	s.mu.Unlock()

	log.Info().Str("module", "session").Str("room", string(identity.ID)).Str("code", string(identity.ShortCode)).Msg("room created")
	s.notify(fmt.Sprintf("Room created! Share this Room ID: %s (code %s)", identity.ID, identity.ShortCode))
	if s.events.Entered != nil {
		s.events.Entered(meta)
	}
	return nil
}

// Join resolves the identifier, opens a broker identity, links to the
// host, and sends the join request. The session reaches InRoom when the
// host's room_data snapshot arrives. One extra retry is allowed for a
// transient broker failure; resolution failure never opens an identity.
func (s *Session) Join(ctx context.Context, guestName, idOrCode string) error {
	roomID, err := s.dir.Resolve(ctx, idOrCode)
	if err != nil {
		return fmt.Errorf("%w: %s", rendezvous.ErrPeerUnreachable, idOrCode)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadState, st)
	}
	s.state = StateConnecting
	s.selfName = guestName
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Overall)
	defer cancel()

	err = s.joinOnce(ctx, guestName, roomID)
	if err != nil && errors.Is(err, rendezvous.ErrBrokerUnavailable) {
		log.Warn().Err(err).Str("module", "session").Msg("transient broker failure, retrying join")
		select {
		case <-time.After(s.cfg.RetryBackoff):
		case <-ctx.Done():
			s.backToIdle()
			return fmt.Errorf("join: %w", ErrTimeout)
		}
		err = s.joinOnce(ctx, guestName, roomID)
	}
	if err != nil {
		s.backToIdle()
		return err
	}
	return nil
}

func (s *Session) joinOnce(ctx context.Context, guestName string, roomID domain.RoomID) error {
	broker, selfID, err := s.openBroker(ctx, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.broker = broker
	s.selfID = selfID
	s.mu.Unlock()

	s.wireBroker(broker)

	linkCtx, cancel := context.WithTimeout(ctx, s.cfg.LinkOpen)
	defer cancel()

	link, err := broker.Connect(linkCtx, domain.PeerID(roomID))
	if err != nil {
		broker.Close()
		s.clearBroker()
		return classify(err, "connect")
	}

	if err := waitLinkOpen(linkCtx, link); err != nil {
		link.Close()
		broker.Close()
		s.clearBroker()
		return err
	}

	s.attachLink(link)

	// The host's room_data reply can race the send returning; the state
	// must already be JoinRequested when the reply's data callback runs.
	s.mu.Lock()
	s.state = StateJoinRequested
	s.mu.Unlock()

	if err := s.bus.Send(link.Peer(), bus.JoinRequest{Name: guestName, PeerID: selfID}); err != nil {
		link.Close()
		broker.Close()
		s.clearBroker()
		return fmt.Errorf("join request: %w", err)
	}

	log.Info().Str("module", "session").Str("room", string(roomID)).Str("self", string(selfID)).Msg("join requested")
	return nil
}

// openBroker opens a fresh identity, destroying it on failure. retries
// is the number of extra attempts allowed beyond the first.
func (s *Session) openBroker(ctx context.Context, retries int) (rendezvous.Broker, domain.PeerID, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * s.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, "", fmt.Errorf("broker open: %w", ErrTimeout)
			}
			log.Warn().Int("attempt", attempt+1).Str("module", "session").Msg("retrying broker open")
		}

		broker := s.newBroker()
		openCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerOpen)
		id, err := broker.Open(openCtx)
		cancel()
		if err == nil {
			return broker, id, nil
		}
		broker.Close()
		lastErr = classify(err, "broker open")
		if !errors.Is(lastErr, rendezvous.ErrBrokerUnavailable) && !errors.Is(lastErr, ErrTimeout) {
			break
		}
	}
	return nil, "", lastErr
}

// wireBroker registers session-lifetime handlers on an open broker.
func (s *Session) wireBroker(broker rendezvous.Broker) {
	broker.OnConnection(func(link rendezvous.Link) {
		log.Info().Str("module", "session").Str("peer", string(link.Peer())).Msg("inbound link")
		link.OnOpen(func() {
			s.attachLink(link)
		})
	})
	broker.OnCall(func(call rendezvous.Call) {
		if s.events.IncomingCall != nil {
			s.events.IncomingCall(call)
		}
	})
	broker.OnError(func(err error) {
		log.Error().Err(err).Str("module", "session").Msg("broker error")
	})
	broker.OnDisconnected(func() {
		// Direct links survive a dropped signaling socket; the session
		// just loses the ability to accept new peers.
		log.Warn().Str("module", "session").Msg("broker disconnected")
	})
}

// CallPeer places an outbound media call over the session's broker.
func (s *Session) CallPeer(ctx context.Context, peer domain.PeerID, track webrtc.TrackLocal) (rendezvous.Call, error) {
	s.mu.Lock()
	broker := s.broker
	s.mu.Unlock()
	if broker == nil {
		return nil, ErrBadState
	}
	return broker.Call(ctx, peer, track)
}

// SendChat broadcasts a chat message and echoes it locally.
func (s *Session) SendChat(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	sender := s.selfName
	s.mu.Unlock()

	s.bus.Broadcast(bus.ChatMessage{Message: text, Sender: sender})
	if s.events.Chat != nil {
		s.events.Chat(sender, text)
	}
}

// Leave tears the session down unconditionally: refresh timer stopped,
// every link closed, broker identity destroyed, state cleared, and (for
// hosts) the directory record removed locally and best-effort remotely.
// Safe to call twice.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	broker := s.broker
	s.broker = nil
	wasHost := s.isHost
	roomID := s.identity.ID
	refreshCancel := s.refreshCancel
	s.refreshCancel = nil
	s.roster = newRoster()
	s.identity = domain.RoomIdentity{}
	s.meta = domain.RoomMetadata{}
	s.mu.Unlock()

	if refreshCancel != nil {
		refreshCancel()
	}

	s.table.CloseAll()

	if broker != nil {
		if err := broker.Close(); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("broker close")
		}
	}

	if wasHost && roomID != "" {
		s.dir.Remove(ctx, roomID)
	}

	log.Info().Str("module", "session").Msg("session closed")
}

// startRefresh keeps the directory advertisement warm while hosting.
func (s *Session) startRefresh() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.refreshCancel = cancel
	roomID := s.identity.ID
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.RefreshPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				count := s.roster.len()
				s.mu.Unlock()
				s.dir.Refresh(ctx, roomID, count)
			}
		}
	}()
}

func (s *Session) backToIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.broker = nil
	s.mu.Unlock()
}

func (s *Session) clearBroker() {
	s.mu.Lock()
	s.broker = nil
	s.mu.Unlock()
}

func (s *Session) notify(text string) {
	if s.events.Notice != nil {
		s.events.Notice(text)
	}
}

func classify(err error, phase string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", phase, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", phase, err)
}

// waitLinkOpen blocks until the link reports open or the ceiling fires.
func waitLinkOpen(ctx context.Context, link rendezvous.Link) error {
	opened := make(chan struct{}, 1)
	link.OnOpen(func() {
		select {
		case opened <- struct{}{}:
		default:
		}
	})
	if link.Ready() {
		return nil
	}
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("link open: %w", ErrTimeout)
	}
}
