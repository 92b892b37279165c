package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/afero"

	"github.com/oselabs/peerchat/internal/bus"
	"github.com/oselabs/peerchat/internal/directory"
	"github.com/oselabs/peerchat/internal/domain"
	"github.com/oselabs/peerchat/internal/rendezvous"
)

// fakeLink is a scriptable direct link. replyOnSend, when set, is
// invoked after every successful Send with the sent frame, outside the
// link's lock, so the remote side can answer synchronously.
type fakeLink struct {
	peer        domain.PeerID
	replyOnSend func(frame []byte)

	mu      sync.Mutex
	ready   bool
	closed  bool
	sent    [][]byte
	onOpen  func()
	onData  func([]byte)
	onClose func()
	onErr   func(error)
}

func newFakeLink(peer domain.PeerID) *fakeLink {
	return &fakeLink{peer: peer, ready: true}
}

func (l *fakeLink) Peer() domain.PeerID { return l.peer }

func (l *fakeLink) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready && !l.closed
}

func (l *fakeLink) Send(p []byte) error {
	l.mu.Lock()
	if !l.ready || l.closed {
		l.mu.Unlock()
		return errors.New("link not open")
	}
	l.sent = append(l.sent, p)
	reply := l.replyOnSend
	l.mu.Unlock()
	if reply != nil {
		reply(p)
	}
	return nil
}

func (l *fakeLink) OnOpen(fn func()) {
	l.mu.Lock()
	ready := l.ready
	l.onOpen = fn
	l.mu.Unlock()
	if ready && fn != nil {
		fn()
	}
}

func (l *fakeLink) OnData(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onData = fn
}

func (l *fakeLink) OnClose(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClose = fn
}

func (l *fakeLink) OnError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onErr = fn
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// deliver injects a frame as if the remote peer had sent it.
func (l *fakeLink) deliver(t *testing.T, m bus.Message) {
	t.Helper()
	data, err := bus.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	l.mu.Lock()
	fn := l.onData
	l.mu.Unlock()
	if fn == nil {
		t.Fatal("link has no data handler")
	}
	fn(data)
}

// drop simulates the remote side closing the link.
func (l *fakeLink) drop() {
	l.mu.Lock()
	l.closed = true
	fn := l.onClose
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// sentMessages decodes everything the session sent on this link.
func (l *fakeLink) sentMessages(t *testing.T) []bus.Message {
	t.Helper()
	l.mu.Lock()
	frames := append([][]byte(nil), l.sent...)
	l.mu.Unlock()
	out := make([]bus.Message, 0, len(frames))
	for _, f := range frames {
		m, err := bus.Decode(f)
		if err != nil {
			t.Fatalf("decode sent frame: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// fakeBroker is a scriptable rendezvous substrate. onDial, when set,
// lets a test script the link before the session starts using it.
type fakeBroker struct {
	id      domain.PeerID
	openErr error
	onDial  func(*fakeLink)

	mu           sync.Mutex
	closed       bool
	dialed       []*fakeLink
	onConnection func(rendezvous.Link)
	onCall       func(rendezvous.Call)
}

func (b *fakeBroker) Open(ctx context.Context) (domain.PeerID, error) {
	if b.openErr != nil {
		return "", b.openErr
	}
	return b.id, nil
}

func (b *fakeBroker) Connect(ctx context.Context, peer domain.PeerID) (rendezvous.Link, error) {
	l := newFakeLink(peer)
	if b.onDial != nil {
		b.onDial(l)
	}
	b.mu.Lock()
	b.dialed = append(b.dialed, l)
	b.mu.Unlock()
	return l, nil
}

func (b *fakeBroker) Call(ctx context.Context, peer domain.PeerID, track webrtc.TrackLocal) (rendezvous.Call, error) {
	return nil, errors.New("no media in tests")
}

func (b *fakeBroker) OnConnection(fn func(rendezvous.Link)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnection = fn
}

func (b *fakeBroker) OnCall(fn func(rendezvous.Call)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCall = fn
}

func (b *fakeBroker) OnError(func(error)) {}
func (b *fakeBroker) OnDisconnected(func()) {}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// accept simulates an inbound link from a guest.
func (b *fakeBroker) accept(t *testing.T, peer domain.PeerID) *fakeLink {
	t.Helper()
	b.mu.Lock()
	fn := b.onConnection
	b.mu.Unlock()
	if fn == nil {
		t.Fatal("broker has no connection handler")
	}
	l := newFakeLink(peer)
	fn(l)
	return l
}

type recorder struct {
	mu      sync.Mutex
	notices []string
	chats   []string
	entered int
}

func (r *recorder) events() Events {
	return Events{
		Notice: func(text string) {
			r.mu.Lock()
			r.notices = append(r.notices, text)
			r.mu.Unlock()
		},
		Chat: func(sender, text string) {
			r.mu.Lock()
			r.chats = append(r.chats, sender+": "+text)
			r.mu.Unlock()
		},
		Entered: func(domain.RoomMetadata) {
			r.mu.Lock()
			r.entered++
			r.mu.Unlock()
		},
	}
}

func testConfig() Config {
	return Config{
		Overall:       2 * time.Second,
		BrokerOpen:    time.Second,
		LinkOpen:      time.Second,
		RetryBackoff:  time.Millisecond,
		RefreshPeriod: time.Hour,
	}
}

func testDirectory(t *testing.T) *directory.Client {
	t.Helper()
	cache := directory.NewCache(afero.NewMemMapFs(), "rooms.json")
	// The remote side is down on purpose; every remote call degrades
	// to the cache.
	return directory.NewClient("http://127.0.0.1:1", cache,
		directory.WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
}

func testMeta() domain.RoomMetadata {
	return domain.RoomMetadata{
		Title: "Practice", Language: "english", Level: "beginner",
		HostName: "Alice", MaxParticipants: 4,
	}
}

func singleBroker(b *fakeBroker) BrokerFactory {
	return func() rendezvous.Broker { return b }
}

func TestCreateSeedsHostRoster(t *testing.T) {
	fb := &fakeBroker{id: "alice-1"}
	rec := &recorder{}
	s := New(singleBroker(fb), testDirectory(t), testConfig(), rec.events())

	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Leave(context.Background())

	if s.State() != StateInRoom {
		t.Errorf("state = %s, want in_room", s.State())
	}
	roster := s.Roster()
	if len(roster) != 1 {
		t.Fatalf("roster size = %d, want 1", len(roster))
	}
	if roster[0].PeerID != "alice-1" || !roster[0].Participant.IsHost || roster[0].Participant.Name != "Alice" {
		t.Errorf("host entry = %+v", roster[0])
	}
	if s.Identity().ID != "alice-1" {
		t.Errorf("room id = %s, want alice-1", s.Identity().ID)
	}
	if len(s.Identity().ShortCode) != 4 {
		t.Errorf("short code = %q, want 4 digits", s.Identity().ShortCode)
	}
}

func TestCreateRetriesBrokerFailure(t *testing.T) {
	attempts := 0
	factory := func() rendezvous.Broker {
		attempts++
		if attempts <= 2 {
			return &fakeBroker{openErr: rendezvous.ErrBrokerUnavailable}
		}
		return &fakeBroker{id: "alice-1"}
	}
	s := New(factory, testDirectory(t), testConfig(), Events{})

	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create should succeed on third attempt: %v", err)
	}
	defer s.Leave(context.Background())
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestCreateGivesUpAfterRetries(t *testing.T) {
	attempts := 0
	factory := func() rendezvous.Broker {
		attempts++
		return &fakeBroker{openErr: rendezvous.ErrBrokerUnavailable}
	}
	s := New(factory, testDirectory(t), testConfig(), Events{})

	err := s.Create(context.Background(), "Alice", testMeta())
	if !errors.Is(err, rendezvous.ErrBrokerUnavailable) {
		t.Fatalf("expected broker unavailable, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle after failure", s.State())
	}
}

func TestHostJoinHandshake(t *testing.T) {
	fb := &fakeBroker{id: "alice-1"}
	rec := &recorder{}
	s := New(singleBroker(fb), testDirectory(t), testConfig(), rec.events())
	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Leave(context.Background())

	bob := fb.accept(t, "bob-1")
	bob.deliver(t, bus.JoinRequest{Name: "Bob", PeerID: "bob-1"})

	roster := s.Roster()
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}
	hosts := 0
	for _, e := range roster {
		if e.Participant.IsHost {
			hosts++
			if e.PeerID != "alice-1" {
				t.Errorf("host id = %s, want alice-1", e.PeerID)
			}
		}
	}
	if hosts != 1 {
		t.Errorf("host entries = %d, want exactly 1", hosts)
	}

	// Bob gets the snapshot first, join order preserved, himself included.
	sent := bob.sentMessages(t)
	if len(sent) < 2 {
		t.Fatalf("bob received %d messages, want room_data then participant_joined", len(sent))
	}
	rd, ok := sent[0].(bus.RoomData)
	if !ok {
		t.Fatalf("first message = %T, want RoomData", sent[0])
	}
	if len(rd.Participants) != 2 || rd.Participants[0].PeerID != "alice-1" || rd.Participants[1].PeerID != "bob-1" {
		t.Errorf("snapshot = %+v", rd.Participants)
	}
	if rd.Meta.Title != "Practice" {
		t.Errorf("snapshot meta = %+v", rd.Meta)
	}
	if _, ok := sent[1].(bus.ParticipantJoined); !ok {
		t.Errorf("second message = %T, want ParticipantJoined", sent[1])
	}

	// A later joiner's broadcast reaches Bob without another snapshot.
	carol := fb.accept(t, "carol-1")
	carol.deliver(t, bus.JoinRequest{Name: "Carol", PeerID: "carol-1"})

	sent = bob.sentMessages(t)
	last := sent[len(sent)-1]
	pj, ok := last.(bus.ParticipantJoined)
	if !ok {
		t.Fatalf("bob's last message = %T, want ParticipantJoined", last)
	}
	if pj.Name != "Carol" || pj.PeerID != "carol-1" || pj.IsHost {
		t.Errorf("broadcast = %+v", pj)
	}
	if len(s.Roster()) != 3 {
		t.Errorf("roster size = %d, want 3", len(s.Roster()))
	}
}

func TestHostDropsDepartedGuest(t *testing.T) {
	fb := &fakeBroker{id: "alice-1"}
	rec := &recorder{}
	s := New(singleBroker(fb), testDirectory(t), testConfig(), rec.events())
	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Leave(context.Background())

	bob := fb.accept(t, "bob-1")
	bob.deliver(t, bus.JoinRequest{Name: "Bob", PeerID: "bob-1"})
	if len(s.Peers()) != 1 {
		t.Fatalf("peers = %d, want 1", len(s.Peers()))
	}

	bob.drop()

	if len(s.Peers()) != 0 {
		t.Errorf("peers = %d after drop, want 0", len(s.Peers()))
	}
	if len(s.Roster()) != 1 {
		t.Errorf("roster size = %d after drop, want 1", len(s.Roster()))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	found := false
	for _, n := range rec.notices {
		if n == "Bob left the room" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected departure notice, got %v", rec.notices)
	}
}

func seedRoom(t *testing.T, dir *directory.Client, id, code string) {
	t.Helper()
	dir.Publish(context.Background(), domain.DirectoryRecord{
		ID: domain.RoomID(id), ShortCode: domain.ShortCode(code),
		Title: "Practice", HostName: "Alice",
		LastActive: time.Now().UnixMilli(), CreatedAt: time.Now().UnixMilli(),
	})
}

func TestGuestJoinAndRoomData(t *testing.T) {
	fb := &fakeBroker{id: "bob-1"}
	dir := testDirectory(t)
	seedRoom(t, dir, "alice-1", "4821")
	rec := &recorder{}
	s := New(singleBroker(fb), dir, testConfig(), rec.events())

	if err := s.Join(context.Background(), "Bob", "4821"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer s.Leave(context.Background())

	if s.State() != StateJoinRequested {
		t.Errorf("state = %s, want join_requested", s.State())
	}
	if len(fb.dialed) != 1 || fb.dialed[0].Peer() != "alice-1" {
		t.Fatalf("dialed = %v, want link to alice-1", fb.dialed)
	}
	host := fb.dialed[0]

	sent := host.sentMessages(t)
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1 join_request", len(sent))
	}
	jr, ok := sent[0].(bus.JoinRequest)
	if !ok || jr.Name != "Bob" || jr.PeerID != "bob-1" {
		t.Fatalf("join request = %+v", sent[0])
	}

	snapshot := bus.RoomData{
		Meta: testMeta(),
		Participants: []bus.RosterEntry{
			{PeerID: "alice-1", Participant: domain.Participant{Name: "Alice", IsHost: true}},
			{PeerID: "bob-1", Participant: domain.Participant{Name: "Bob"}},
		},
	}
	host.deliver(t, snapshot)

	if s.State() != StateInRoom {
		t.Errorf("state = %s after room_data, want in_room", s.State())
	}
	if got := len(s.Roster()); got != 2 {
		t.Errorf("roster size = %d, want 2", got)
	}
	if s.Identity().ID != "alice-1" {
		t.Errorf("room id = %s, want alice-1", s.Identity().ID)
	}

	// Identical snapshot twice changes nothing.
	before := s.Roster()
	host.deliver(t, snapshot)
	after := s.Roster()
	if len(before) != len(after) {
		t.Fatalf("roster changed on duplicate snapshot: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("entry %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}

	// Membership broadcasts are additive for guests.
	host.deliver(t, bus.ParticipantJoined{Name: "Carol", PeerID: "carol-1"})
	if got := len(s.Roster()); got != 3 {
		t.Errorf("roster size = %d after broadcast, want 3", got)
	}
	if name := s.ParticipantName("carol-1"); name != "Carol" {
		t.Errorf("participant name = %q, want Carol", name)
	}
	if name := s.ParticipantName("nobody"); name != "Unknown" {
		t.Errorf("unknown participant name = %q", name)
	}
}

func TestGuestEntersRoomWhenSnapshotRacesJoin(t *testing.T) {
	fb := &fakeBroker{id: "bob-1"}
	dir := testDirectory(t)
	seedRoom(t, dir, "alice-1", "4821")
	rec := &recorder{}

	snapshot := bus.RoomData{
		Meta: testMeta(),
		Participants: []bus.RosterEntry{
			{PeerID: "alice-1", Participant: domain.Participant{Name: "Alice", IsHost: true}},
			{PeerID: "bob-1", Participant: domain.Participant{Name: "Bob"}},
		},
	}
	// The host's snapshot lands before the join request's Send returns.
	fb.onDial = func(l *fakeLink) {
		l.replyOnSend = func(frame []byte) {
			m, err := bus.Decode(frame)
			if err != nil {
				t.Errorf("decode on wire: %v", err)
				return
			}
			if _, ok := m.(bus.JoinRequest); ok {
				l.deliver(t, snapshot)
			}
		}
	}

	s := New(singleBroker(fb), dir, testConfig(), rec.events())
	if err := s.Join(context.Background(), "Bob", "4821"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer s.Leave(context.Background())

	if s.State() != StateInRoom {
		t.Errorf("state = %s, want in_room", s.State())
	}
	if s.Identity().ID != "alice-1" {
		t.Errorf("room id = %s, want alice-1", s.Identity().ID)
	}
	if got := len(s.Roster()); got != 2 {
		t.Errorf("roster size = %d, want 2", got)
	}
	rec.mu.Lock()
	entered := rec.entered
	rec.mu.Unlock()
	if entered != 1 {
		t.Errorf("entered fired %d times, want 1", entered)
	}
}

func TestHostRejectsOversizedJoinName(t *testing.T) {
	fb := &fakeBroker{id: "alice-1"}
	s := New(singleBroker(fb), testDirectory(t), testConfig(), Events{})
	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Leave(context.Background())

	bob := fb.accept(t, "bob-1")
	bob.deliver(t, bus.JoinRequest{Name: strings.Repeat("x", domain.MaxNameLen+1), PeerID: "bob-1"})

	if got := len(s.Roster()); got != 1 {
		t.Errorf("roster size = %d, want host only", got)
	}
	if got := len(bob.sentMessages(t)); got != 0 {
		t.Errorf("host sent %d messages to a rejected joiner", got)
	}
}

func TestJoinUnresolvedNeverOpensBroker(t *testing.T) {
	built := false
	factory := func() rendezvous.Broker {
		built = true
		return &fakeBroker{id: "bob-1"}
	}
	s := New(factory, testDirectory(t), testConfig(), Events{})

	err := s.Join(context.Background(), "Bob", "4821")
	if !errors.Is(err, rendezvous.ErrPeerUnreachable) {
		t.Fatalf("expected peer unreachable, got %v", err)
	}
	if built {
		t.Error("broker identity was opened for an unresolved room")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
}

func TestChatFanOut(t *testing.T) {
	fb := &fakeBroker{id: "alice-1"}
	rec := &recorder{}
	s := New(singleBroker(fb), testDirectory(t), testConfig(), rec.events())
	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Leave(context.Background())

	bob := fb.accept(t, "bob-1")
	bob.deliver(t, bus.JoinRequest{Name: "Bob", PeerID: "bob-1"})

	s.SendChat("hello everyone")

	sent := bob.sentMessages(t)
	last := sent[len(sent)-1]
	cm, ok := last.(bus.ChatMessage)
	if !ok || cm.Message != "hello everyone" || cm.Sender != "Alice" {
		t.Errorf("chat on wire = %+v", last)
	}

	rec.mu.Lock()
	if len(rec.chats) != 1 || rec.chats[0] != "Alice: hello everyone" {
		t.Errorf("local echo = %v", rec.chats)
	}
	rec.mu.Unlock()

	// Inbound chat reaches the callback too.
	bob.deliver(t, bus.ChatMessage{Message: "hi", Sender: "Bob"})
	rec.mu.Lock()
	if len(rec.chats) != 2 {
		t.Errorf("chats = %v, want 2 entries", rec.chats)
	}
	rec.mu.Unlock()
}

func TestLeaveTearsEverythingDown(t *testing.T) {
	fb := &fakeBroker{id: "alice-1"}
	dir := testDirectory(t)
	s := New(singleBroker(fb), dir, testConfig(), Events{})
	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create: %v", err)
	}
	roomID := s.Identity().ID

	bob := fb.accept(t, "bob-1")
	bob.deliver(t, bus.JoinRequest{Name: "Bob", PeerID: "bob-1"})

	s.Leave(context.Background())

	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if len(s.Peers()) != 0 {
		t.Errorf("connection table not empty after leave")
	}
	if !bob.closed {
		t.Error("guest link not closed")
	}
	if !fb.closed {
		t.Error("broker identity not destroyed")
	}
	if len(s.Roster()) != 0 {
		t.Errorf("roster not cleared: %v", s.Roster())
	}
	if _, err := dir.Resolve(context.Background(), string(roomID)); !errors.Is(err, directory.ErrNotFound) {
		t.Errorf("directory record survived teardown: %v", err)
	}

	// Second leave is a no-op.
	s.Leave(context.Background())
}

func TestHostIgnoresParticipantJoinedBroadcasts(t *testing.T) {
	fb := &fakeBroker{id: "alice-1"}
	s := New(singleBroker(fb), testDirectory(t), testConfig(), Events{})
	if err := s.Create(context.Background(), "Alice", testMeta()); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Leave(context.Background())

	bob := fb.accept(t, "bob-1")
	bob.deliver(t, bus.ParticipantJoined{Name: "Mallory", PeerID: "mallory-1"})
	if len(s.Roster()) != 1 {
		t.Errorf("host applied a membership broadcast: %v", s.Roster())
	}

	bob.deliver(t, bus.RoomData{Meta: testMeta(), Participants: nil})
	if len(s.Roster()) != 1 {
		t.Errorf("host applied a roster replacement: %v", s.Roster())
	}
}
