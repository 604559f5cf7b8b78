package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// --- fakes ---

type fakeStream struct {
	mu      sync.Mutex
	stopped int
}

func (f *fakeStream) StopTracks() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeStream) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakePC struct {
	mu         sync.Mutex
	localSDP   string
	remoteSDP  string
	candidates []string
	onICE      func(string)
	onState    func(ConnState)
	closed     bool
}

func (f *fakePC) AddStream(s Stream) error { return nil }

func (f *fakePC) CreateOffer(ctx context.Context) (string, error)  { return "offer-sdp", nil }
func (f *fakePC) CreateAnswer(ctx context.Context) (string, error) { return "answer-sdp", nil }

func (f *fakePC) SetLocalDescription(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localSDP = sdp
	return nil
}

func (f *fakePC) SetRemoteDescription(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSDP = sdp
	return nil
}

func (f *fakePC) AddICECandidate(candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteSDP == "" {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(string)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakePC) OnConnectionStateChange(fn func(ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) fireICE(candidate string) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (f *fakePC) fireState(s ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakePC) candidateList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMedia struct {
	mu         sync.Mutex
	failStream bool
	streams    []*fakeStream
	pcs        []*fakePC
}

func (f *fakeMedia) GetLocalStream(ctx context.Context, audio, video bool) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStream {
		return nil, errors.New("permission denied")
	}
	s := &fakeStream{}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeMedia) NewPeerConnection(ctx context.Context) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeMedia) lastPC() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func (f *fakeMedia) allReleased() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.streams {
		if s.stopCount() == 0 {
			return fmt.Errorf("stream %d not stopped", i)
		}
	}
	for i, pc := range f.pcs {
		pc.mu.Lock()
		closed := pc.closed
		pc.mu.Unlock()
		if !closed {
			return fmt.Errorf("peer connection %d not closed", i)
		}
	}
	return nil
}

// neverReadyFactory joins channels that never become ready.
type neverReadyFactory struct{ bus *MemoryBus }

func (f *neverReadyFactory) Join(ctx context.Context, channelID, peerID string) (Channel, error) {
	ch, err := f.bus.Join(ctx, channelID, peerID)
	if err != nil {
		return nil, err
	}
	ch.(*memoryChannel).ready.Store(false)
	return ch, nil
}

// --- helpers ---

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %s (now %s)", want, s.State()), func() bool {
		return s.State() == want
	})
}

func newPeer(t *testing.T, bus *MemoryBus, id string) (*Session, *fakeMedia) {
	t.Helper()
	media := &fakeMedia{}
	sess := NewSession(id, "Peer "+id, bus, media, slog.Default())
	if err := sess.Join(context.Background(), "conv-1"); err != nil {
		t.Fatalf("join failed for %s: %v", id, err)
	}
	return sess, media
}

// --- tests ---

func TestCallEndToEnd(t *testing.T) {
	bus := NewMemoryBus()
	a, aMedia := newPeer(t, bus, "alice")
	b, bMedia := newPeer(t, bus, "bob")

	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if a.State() != StateCalling {
		t.Fatalf("caller should be calling, got %s", a.State())
	}

	waitState(t, b, StateRinging)
	incoming := b.Incoming()
	if incoming == nil {
		t.Fatal("callee has no pending offer")
	}
	if incoming.Video {
		t.Error("audio-only call should not carry video flag")
	}
	if incoming.SenderName != "Peer alice" {
		t.Errorf("unexpected sender name %q", incoming.SenderName)
	}

	if err := b.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	if b.State() != StateConnected {
		t.Fatalf("callee should be connected, got %s", b.State())
	}
	waitState(t, a, StateConnected)

	if err := a.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if a.State() != StateIdle {
		t.Fatalf("caller should be idle after hangup, got %s", a.State())
	}
	waitState(t, b, StateIdle)

	if err := aMedia.allReleased(); err != nil {
		t.Errorf("caller resources: %v", err)
	}
	if err := bMedia.allReleased(); err != nil {
		t.Errorf("callee resources: %v", err)
	}
}

func TestRejectFlow(t *testing.T) {
	bus := NewMemoryBus()
	a, aMedia := newPeer(t, bus, "alice")
	b, _ := newPeer(t, bus, "bob")

	if err := a.StartCall(context.Background(), "bob", true); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitState(t, b, StateRinging)

	if err := b.RejectCall(context.Background()); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}
	if b.State() != StateIdle {
		t.Fatalf("callee should be idle after reject, got %s", b.State())
	}

	waitState(t, a, StateIdle)
	if !errors.Is(a.Err(), ErrCallRejected) {
		t.Fatalf("caller should hold ErrCallRejected, got %v", a.Err())
	}
	a.ClearError()
	if a.Err() != nil {
		t.Error("error should clear")
	}
	if err := aMedia.allReleased(); err != nil {
		t.Errorf("caller resources: %v", err)
	}
}

func TestRejectIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")

	// A stray reject with no call in progress must be a no-op.
	stray, err := bus.Join(context.Background(), "conv-1", "bob")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := stray.Send(context.Background(), &Message{Type: TypeReject, From: "bob", To: "alice"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if a.State() != StateIdle {
		t.Fatalf("session should stay idle, got %s", a.State())
	}
	if a.Err() != nil {
		t.Errorf("stray reject should not surface an error, got %v", a.Err())
	}

	// RejectCall with nothing ringing is also a no-op.
	if err := a.RejectCall(context.Background()); err != nil {
		t.Fatalf("RejectCall on idle session failed: %v", err)
	}
}

func TestHangupIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")

	if err := a.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall on idle session failed: %v", err)
	}

	stray, _ := bus.Join(context.Background(), "conv-1", "bob")
	if err := stray.Send(context.Background(), &Message{Type: TypeHangup, From: "bob"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if a.State() != StateIdle {
		t.Fatalf("session should stay idle, got %s", a.State())
	}
}

func TestEarlyICEQueued(t *testing.T) {
	bus := NewMemoryBus()
	a, aMedia := newPeer(t, bus, "alice")
	b, bMedia := newPeer(t, bus, "bob")

	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitState(t, b, StateRinging)

	// Caller discovers a candidate before the callee has any description.
	aMedia.lastPC().fireICE("candidate:early-1")
	aMedia.lastPC().fireICE("candidate:early-2")
	time.Sleep(50 * time.Millisecond)

	if err := b.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	// Queued candidates must be applied once the remote description lands.
	waitFor(t, "queued candidates applied", func() bool {
		return len(bMedia.lastPC().candidateList()) >= 2
	})
	got := bMedia.lastPC().candidateList()
	if got[0] != "candidate:early-1" || got[1] != "candidate:early-2" {
		t.Errorf("unexpected candidates: %v", got)
	}
}

func TestStrayICEWhileIdleDropped(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")
	b, bMedia := newPeer(t, bus, "bob")

	// A candidate arrives with no call in progress, e.g. from a peer
	// whose call already ended.
	stray, err := bus.Join(context.Background(), "conv-1", "ghost")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := stray.Send(context.Background(), &Message{
		Type: TypeICE, From: "ghost", To: "bob", Candidate: "candidate:stale",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// The next call must not inherit it.
	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitState(t, b, StateRinging)
	if err := b.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	waitState(t, a, StateConnected)

	for _, c := range bMedia.lastPC().candidateList() {
		if c == "candidate:stale" {
			t.Error("stale candidate flushed into a new call")
		}
	}
}

func TestGlareAutoRejects(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")
	b, _ := newPeer(t, bus, "bob")

	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("alice StartCall failed: %v", err)
	}
	// Bob may already be ringing from alice's offer; if so his own
	// StartCall fails with ErrBusy, which also preserves the invariant.
	err := b.StartCall(context.Background(), "alice", false)
	if err != nil && !errors.Is(err, ErrBusy) {
		t.Fatalf("bob StartCall failed unexpectedly: %v", err)
	}

	if err == nil {
		// True glare: both sides offered. Each auto-rejects the other's
		// offer and both settle back to idle.
		waitState(t, a, StateIdle)
		waitState(t, b, StateIdle)
		if !errors.Is(a.Err(), ErrCallRejected) {
			t.Errorf("alice should hold ErrCallRejected, got %v", a.Err())
		}
		if !errors.Is(b.Err(), ErrCallRejected) {
			t.Errorf("bob should hold ErrCallRejected, got %v", b.Err())
		}
	}
}

func TestBusyCalleeAutoRejectsSecondOffer(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")
	b, _ := newPeer(t, bus, "bob")
	c, _ := newPeer(t, bus, "carol")

	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitState(t, b, StateRinging)

	// Carol calls bob while he is already ringing.
	if err := c.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("carol StartCall failed: %v", err)
	}

	waitState(t, c, StateIdle)
	if !errors.Is(c.Err(), ErrCallRejected) {
		t.Errorf("carol should hold ErrCallRejected, got %v", c.Err())
	}
	// Bob's original incoming call is untouched.
	if b.State() != StateRinging {
		t.Errorf("bob should still be ringing, got %s", b.State())
	}
}

func TestMediaFailureResetsToIdle(t *testing.T) {
	bus := NewMemoryBus()
	media := &fakeMedia{failStream: true}
	sess := NewSession("alice", "Alice", bus, media, slog.Default())
	if err := sess.Join(context.Background(), "conv-1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	err := sess.StartCall(context.Background(), "bob", true)
	if !errors.Is(err, ErrMediaAccess) {
		t.Fatalf("expected ErrMediaAccess, got %v", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("session should reset to idle, got %s", sess.State())
	}
	if !errors.Is(sess.Err(), ErrMediaAccess) {
		t.Errorf("session should hold media error, got %v", sess.Err())
	}
}

func TestAcceptMediaFailureResetsToIdle(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")

	bMedia := &fakeMedia{failStream: true}
	b := NewSession("bob", "Bob", bus, bMedia, slog.Default())
	if err := b.Join(context.Background(), "conv-1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitState(t, b, StateRinging)

	if err := b.AcceptCall(context.Background()); !errors.Is(err, ErrMediaAccess) {
		t.Fatalf("expected ErrMediaAccess, got %v", err)
	}
	if b.State() != StateIdle {
		t.Fatalf("callee should reset to idle, got %s", b.State())
	}
}

func TestTransportFailureCleansUp(t *testing.T) {
	bus := NewMemoryBus()
	a, aMedia := newPeer(t, bus, "alice")
	b, _ := newPeer(t, bus, "bob")

	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitState(t, b, StateRinging)
	if err := b.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	waitState(t, a, StateConnected)

	aMedia.lastPC().fireState(ConnFailed)

	waitState(t, a, StateIdle)
	if err := aMedia.allReleased(); err != nil {
		t.Errorf("caller resources: %v", err)
	}
}

func TestEchoSuppression(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")

	// A message from our own identity must be ignored even if addressed
	// to us.
	stray, _ := bus.Join(context.Background(), "conv-1", "mirror")
	if err := stray.Send(context.Background(), &Message{
		Type: TypeOffer, From: "alice", To: "alice", SDP: "v=0",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if a.State() != StateIdle {
		t.Fatalf("echoed offer must be ignored, got state %s", a.State())
	}
}

func TestStartCallChannelNotReady(t *testing.T) {
	bus := NewMemoryBus()
	media := &fakeMedia{}
	sess := NewSession("alice", "Alice", &neverReadyFactory{bus: bus}, media, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := sess.Join(ctx, "conv-1")
	if err == nil {
		t.Fatal("join should fail when channel never becomes ready")
	}

	if err := sess.StartCall(context.Background(), "bob", false); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	bus := NewMemoryBus()
	a, _ := newPeer(t, bus, "alice")

	if err := a.StartCall(context.Background(), "bob", false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if err := a.StartCall(context.Background(), "carol", false); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
