package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates the signaling message union.
type MessageType string

const (
	TypeOffer  MessageType = "offer"
	TypeAnswer MessageType = "answer"
	TypeICE    MessageType = "ice"
	TypeHangup MessageType = "hangup"
	TypeReject MessageType = "reject"
)

var ErrInvalidMessage = errors.New("invalid signaling message")

// Message is the wire format for call signaling. The Type tag decides
// which fields are meaningful; Validate enforces the shape before any
// message is dispatched or relayed.
type Message struct {
	Type       MessageType `json:"type"`
	From       string      `json:"from"`
	To         string      `json:"to,omitempty"`
	SenderName string      `json:"senderName,omitempty"`
	SDP        string      `json:"sdp,omitempty"`
	Video      bool        `json:"video,omitempty"`
	Candidate  string      `json:"candidate,omitempty"`
}

// Validate checks the message against its type's required fields.
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidMessage)
	}
	switch m.Type {
	case TypeOffer:
		if m.To == "" || m.SDP == "" {
			return fmt.Errorf("%w: offer requires to and sdp", ErrInvalidMessage)
		}
	case TypeAnswer:
		if m.To == "" || m.SDP == "" {
			return fmt.Errorf("%w: answer requires to and sdp", ErrInvalidMessage)
		}
	case TypeICE:
		if m.To == "" || m.Candidate == "" {
			return fmt.Errorf("%w: ice requires to and candidate", ErrInvalidMessage)
		}
	case TypeHangup:
		// Broadcast, no target required.
	case TypeReject:
		if m.To == "" {
			return fmt.Errorf("%w: reject requires to", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// ParseMessage decodes and validates a wire message.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
