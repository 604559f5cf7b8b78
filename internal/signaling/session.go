// Package signaling implements call setup between two peers over a shared
// broadcast channel.
//
// Each conversation has one channel; every subscribed peer receives every
// message and filters by recipient. A Session is the per-peer protocol
// engine: it drives the offer/answer/ice exchange, owns the local media
// and peer connection exclusively, and guarantees their release on every
// exit path (normal end, error, remote hangup, remote reject).
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ustaplace/platform/internal/metrics"
	"github.com/ustaplace/platform/internal/traces"
)

var (
	// ErrBusy is returned when starting a call while one is in progress.
	ErrBusy = errors.New("call already in progress")
	// ErrNoPendingCall is returned by accept/reject without a ringing call.
	ErrNoPendingCall = errors.New("no pending incoming call")
	// ErrCallRejected is the transient error held after the callee declines.
	ErrCallRejected = errors.New("call rejected")
	// ErrNotJoined is returned when operating on a session with no channel.
	ErrNotJoined = errors.New("session has not joined a channel")
)

// State is the session's position in the call lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
)

// Session is the signaling state machine for one peer. Message handlers
// and operations run to completion under a single mutex, so the session
// is effectively single-threaded.
type Session struct {
	self    string
	name    string
	factory ChannelFactory
	media   MediaProvider
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	lastErr    error
	channel    Channel
	pc         PeerConnection
	stream     Stream
	peerID     string
	video      bool
	incoming   *Message // pending offer while ringing, at most one
	pendingICE []string // candidates queued until the remote description is set
	remoteSet  bool
}

// NewSession creates an idle session for the given peer identity.
func NewSession(self, name string, factory ChannelFactory, media MediaProvider, logger *slog.Logger) *Session {
	return &Session{
		self:    self,
		name:    name,
		factory: factory,
		media:   media,
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last user-facing error, if any. It is cleared when the
// next call setup starts, or explicitly via ClearError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ClearError drops the held error (e.g. after the UI has shown it).
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
}

// Incoming returns a copy of the pending offer while ringing, or nil.
func (s *Session) Incoming() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil {
		return nil
	}
	cp := *s.incoming
	return &cp
}

// Join subscribes the session to a conversation channel and starts
// dispatching its messages. The session must join before placing or
// receiving calls.
func (s *Session) Join(ctx context.Context, channelID string) error {
	ctx, span := traces.StartSpan(ctx, "call.join", traces.CallChannel(channelID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		return errors.New("session already joined a channel")
	}

	ch, err := s.factory.Join(ctx, channelID, s.self)
	if err != nil {
		return err
	}
	if err := waitReady(ctx, ch); err != nil {
		_ = ch.Close()
		return err
	}

	s.channel = ch
	go s.dispatch(ch)
	return nil
}

func (s *Session) dispatch(ch Channel) {
	for msg := range ch.Receive() {
		s.handleMessage(msg)
	}
}

// StartCall places an outgoing call. It waits (bounded) for channel
// readiness, acquires local media, and broadcasts the offer. On any
// failure the session is reset to idle with all resources released.
func (s *Session) StartCall(ctx context.Context, to string, video bool) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		return ErrNotJoined
	}
	if s.state != StateIdle {
		return ErrBusy
	}
	if err := waitReady(ctx, s.channel); err != nil {
		if errors.Is(err, ErrChannelNotReady) {
			s.lastErr = ErrChannelNotReady
		}
		return err
	}

	s.lastErr = nil
	defer func() {
		if err != nil {
			s.releaseCallLocked()
			s.state = StateIdle
			s.lastErr = err
			metrics.CallSessionsTotal.WithLabelValues("setup_failed").Inc()
		}
	}()

	if err = s.setupMediaLocked(ctx, to, video); err != nil {
		return err
	}

	sdp, err := s.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err = s.pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	err = s.channel.Send(ctx, &Message{
		Type:       TypeOffer,
		From:       s.self,
		To:         to,
		SenderName: s.name,
		SDP:        sdp,
		Video:      video,
	})
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	s.peerID = to
	s.video = video
	s.state = StateCalling
	return nil
}

// AcceptCall answers the pending incoming offer. On failure the session
// resets to idle and the caller-facing error is held on the session.
func (s *Session) AcceptCall(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRinging || s.incoming == nil {
		return ErrNoPendingCall
	}
	offer := s.incoming

	s.lastErr = nil
	defer func() {
		if err != nil {
			s.releaseCallLocked()
			s.state = StateIdle
			s.lastErr = err
			metrics.CallSessionsTotal.WithLabelValues("setup_failed").Inc()
		}
	}()

	if err = s.setupMediaLocked(ctx, offer.From, offer.Video); err != nil {
		return err
	}

	if err = s.pc.SetRemoteDescription(offer.SDP); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.remoteSet = true
	s.flushICELocked()

	sdp, err := s.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err = s.pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	err = s.channel.Send(ctx, &Message{
		Type: TypeAnswer,
		From: s.self,
		To:   offer.From,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	s.incoming = nil
	s.state = StateConnected
	return nil
}

// RejectCall declines the pending incoming offer. Idempotent: calling it
// with nothing ringing is a no-op.
func (s *Session) RejectCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRinging || s.incoming == nil {
		return nil
	}

	// Best-effort notify; cleanup proceeds regardless.
	if err := s.channel.Send(ctx, &Message{Type: TypeReject, From: s.self, To: s.incoming.From}); err != nil {
		s.logger.Warn("reject send failed", "peer", s.incoming.From, "error", err)
	}
	s.endLocked("declined", nil)
	return nil
}

// EndCall hangs up. The peer is notified best-effort; local resources are
// always released. Idempotent when idle.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return nil
	}

	if err := s.channel.Send(ctx, &Message{Type: TypeHangup, From: s.self}); err != nil {
		s.logger.Warn("hangup send failed", "error", err)
	}
	s.endLocked("completed", nil)
	return nil
}

// Close releases the call (if any) and the channel subscription.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		s.endLocked("completed", nil)
	}
	return s.closeChannelLocked()
}

// setupMediaLocked acquires local media, builds the peer connection, and
// wires its callbacks. Partial construction is torn down by the caller's
// deferred cleanup.
func (s *Session) setupMediaLocked(ctx context.Context, peer string, video bool) error {
	stream, err := s.media.GetLocalStream(ctx, true, video)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	s.stream = stream

	pc, err := s.media.NewPeerConnection(ctx)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	if err := pc.AddStream(stream); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}

	// Capture collaborators so callbacks never need the session mutex.
	ch := s.channel
	self := s.self
	pc.OnICECandidate(func(candidate string) {
		msg := &Message{Type: TypeICE, From: self, To: peer, Candidate: candidate}
		if err := ch.Send(context.Background(), msg); err != nil {
			s.logger.Debug("ice send failed", "peer", peer, "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state ConnState) {
		if isTerminalConn(state) {
			// Callbacks may fire from inside transport calls; take the
			// cleanup path on a fresh goroutine to avoid lock reentry.
			go s.transportDown(state)
		}
	})

	return nil
}

// transportDown handles asynchronous disconnected/failed/closed reports.
// Treated identically to a remote hangup.
func (s *Session) transportDown(state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return
	}
	s.logger.Info("transport down", "state", state, "peer", s.peerID)
	s.endLocked("transport_failure", fmt.Errorf("connection %s", state))
}

// handleMessage processes one channel message. Runs to completion under
// the session mutex before the next message is handled.
func (s *Session) handleMessage(msg *Message) {
	if msg.From == s.self {
		return // echo suppression
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case TypeOffer:
		s.handleOfferLocked(msg)

	case TypeAnswer:
		if msg.To != s.self || s.state != StateCalling || s.pc == nil {
			return
		}
		if err := s.pc.SetRemoteDescription(msg.SDP); err != nil {
			s.logger.Warn("apply answer failed", "peer", msg.From, "error", err)
			s.endLocked("transport_failure", fmt.Errorf("apply answer: %w", err))
			return
		}
		s.remoteSet = true
		s.flushICELocked()
		s.state = StateConnected

	case TypeICE:
		if msg.To != s.self {
			return
		}
		if s.state == StateIdle && s.incoming == nil {
			return // no call in progress, nothing to attach the candidate to
		}
		// Candidates may arrive before the remote description; queue them
		// rather than dropping or erroring.
		if s.pc == nil || !s.remoteSet {
			s.pendingICE = append(s.pendingICE, msg.Candidate)
			return
		}
		if err := s.pc.AddICECandidate(msg.Candidate); err != nil {
			s.logger.Debug("ice candidate dropped", "error", err)
		}

	case TypeHangup:
		if s.state == StateIdle {
			return // idempotent
		}
		s.endLocked("remote_hangup", nil)

	case TypeReject:
		if msg.To != s.self || s.state != StateCalling {
			return // idempotent
		}
		s.endLocked("rejected", ErrCallRejected)
	}
}

func (s *Session) handleOfferLocked(msg *Message) {
	if msg.To != s.self {
		return
	}
	if s.state != StateIdle {
		// Busy, including glare (both sides offered simultaneously).
		// Auto-reject to preserve at-most-one-active-call per peer.
		ch := s.channel
		reject := &Message{Type: TypeReject, From: s.self, To: msg.From}
		if err := ch.Send(context.Background(), reject); err != nil {
			s.logger.Warn("busy reject send failed", "peer", msg.From, "error", err)
		}
		return
	}

	cp := *msg
	s.incoming = &cp
	s.peerID = msg.From
	s.video = msg.Video
	s.state = StateRinging
}

// flushICELocked applies candidates queued before the remote description.
func (s *Session) flushICELocked() {
	for _, candidate := range s.pendingICE {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.Debug("queued ice candidate dropped", "error", err)
		}
	}
	s.pendingICE = nil
}

// endLocked finishes the call: releases media, the peer connection, and
// the channel subscription, resets to idle, and records the outcome.
func (s *Session) endLocked(outcome string, callErr error) {
	s.releaseCallLocked()
	if err := s.closeChannelLocked(); err != nil {
		s.logger.Debug("channel close failed", "error", err)
	}
	s.state = StateIdle
	s.lastErr = callErr
	metrics.CallSessionsTotal.WithLabelValues(outcome).Inc()
}

// releaseCallLocked releases call-scoped resources. Every step runs even
// if earlier ones already did; safe to call on a partially built call.
func (s *Session) releaseCallLocked() {
	if s.stream != nil {
		s.stream.StopTracks()
		s.stream = nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Debug("peer connection close failed", "error", err)
		}
		s.pc = nil
	}
	s.incoming = nil
	s.pendingICE = nil
	s.remoteSet = false
	s.peerID = ""
	s.video = false
}

func (s *Session) closeChannelLocked() error {
	if s.channel == nil {
		return nil
	}
	err := s.channel.Close()
	s.channel = nil
	return err
}
