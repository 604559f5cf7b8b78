package signaling

import (
	"context"
	"errors"
	"time"
)

var ErrChannelNotReady = errors.New("signaling channel not ready")

// Channel is a broadcast conduit shared by the peers of one conversation.
// Delivery is at-least-once to currently subscribed members; ordering
// across message types is not guaranteed.
type Channel interface {
	// Send broadcasts a message to all channel members.
	Send(ctx context.Context, msg *Message) error
	// Receive returns the stream of incoming messages. The channel is
	// closed when the subscription ends.
	Receive() <-chan *Message
	// Ready reports whether the subscription is established.
	Ready() bool
	// Close tears down the subscription.
	Close() error
}

// ChannelFactory joins peers to conversation channels. Implementations
// are injected per session; there is no process-wide singleton.
type ChannelFactory interface {
	Join(ctx context.Context, channelID, peerID string) (Channel, error)
}

const (
	readyPollInterval = 100 * time.Millisecond
	readyDeadline     = 5 * time.Second
)

// waitReady polls until the channel reports ready or the deadline passes.
func waitReady(ctx context.Context, ch Channel) error {
	if ch.Ready() {
		return nil
	}

	deadline := time.NewTimer(readyDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrChannelNotReady
		case <-tick.C:
			if ch.Ready() {
				return nil
			}
		}
	}
}
