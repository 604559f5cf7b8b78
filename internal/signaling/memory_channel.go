package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-process ChannelFactory. Peers joining the same
// channel ID share a broadcast room. Used in development and tests;
// production peers go through the websocket hub.
type MemoryBus struct {
	mu    sync.RWMutex
	rooms map[string]map[*memoryChannel]struct{}
}

var _ ChannelFactory = (*MemoryBus)(nil)

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{rooms: make(map[string]map[*memoryChannel]struct{})}
}

// Join subscribes a peer to the channel's broadcast room.
func (b *MemoryBus) Join(ctx context.Context, channelID, peerID string) (Channel, error) {
	ch := &memoryChannel{
		bus:       b,
		channelID: channelID,
		peerID:    peerID,
		recv:      make(chan *Message, 64),
	}

	b.mu.Lock()
	room, ok := b.rooms[channelID]
	if !ok {
		room = make(map[*memoryChannel]struct{})
		b.rooms[channelID] = room
	}
	room[ch] = struct{}{}
	b.mu.Unlock()

	ch.ready.Store(true)
	return ch, nil
}

func (b *MemoryBus) broadcast(channelID string, msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for member := range b.rooms[channelID] {
		// All members receive all messages, sender included; peers do
		// their own echo suppression. Slow members drop rather than block.
		select {
		case member.recv <- msg:
		default:
		}
	}
}

func (b *MemoryBus) leave(channelID string, ch *memoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[channelID]
	if !ok {
		return
	}
	delete(room, ch)
	if len(room) == 0 {
		delete(b.rooms, channelID)
	}
}

type memoryChannel struct {
	bus       *MemoryBus
	channelID string
	peerID    string
	recv      chan *Message
	ready     atomic.Bool
	closed    atomic.Bool
}

var _ Channel = (*memoryChannel)(nil)

func (c *memoryChannel) Send(ctx context.Context, msg *Message) error {
	if c.closed.Load() {
		return errors.New("channel closed")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	c.bus.broadcast(c.channelID, msg)
	return nil
}

func (c *memoryChannel) Receive() <-chan *Message {
	return c.recv
}

func (c *memoryChannel) Ready() bool {
	return c.ready.Load() && !c.closed.Load()
}

func (c *memoryChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.bus.leave(c.channelID, c)
	close(c.recv)
	return nil
}
