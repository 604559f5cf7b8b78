package signaling

import (
	"context"
	"errors"
)

// ErrMediaAccess indicates the microphone or camera could not be acquired
// (permission denied or no device).
var ErrMediaAccess = errors.New("cannot access microphone/camera")

// ConnState mirrors the transport's connection lifecycle.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// isTerminalConn reports whether the state requires full call cleanup.
func isTerminalConn(s ConnState) bool {
	return s == ConnDisconnected || s == ConnFailed || s == ConnClosed
}

// Stream is a handle on acquired local media tracks.
type Stream interface {
	// StopTracks releases all tracks. Safe to call more than once.
	StopTracks()
}

// PeerConnection abstracts the media transport for one call leg.
type PeerConnection interface {
	AddStream(s Stream) error
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context) (sdp string, err error)
	SetLocalDescription(sdp string) error
	SetRemoteDescription(sdp string) error
	AddICECandidate(candidate string) error
	OnICECandidate(fn func(candidate string))
	OnConnectionStateChange(fn func(state ConnState))
	Close() error
}

// MediaProvider acquires local media and builds peer connections.
type MediaProvider interface {
	GetLocalStream(ctx context.Context, audio, video bool) (Stream, error)
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}
