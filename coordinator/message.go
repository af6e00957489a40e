package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the value of the "v" field on every message.
const ProtocolVersion = 1

type MessageType string

const (
	MessageHello   MessageType = "HELLO"
	MessageBeacon  MessageType = "BEACON"
	MessageClaim   MessageType = "CLAIM"
	MessageRelease MessageType = "RELEASE"
	MessageWhoHas  MessageType = "WHO_HAS"
)

var ErrMalformedMessage = errors.New("malformed message")

// Message is the JSON object exchanged on the cluster topic.
type Message struct {
	Version    int         `json:"v"`
	Type       MessageType `json:"type"`
	PeerID     string      `json:"peerId,omitempty"`
	ContractID string      `json:"contractId,omitempty"`

	// Timestamp is the sender's wall clock in Unix milliseconds.
	Timestamp int64 `json:"ts,omitempty"`

	// Contracts is the sender's full local contract set. Present on
	// BEACON, optional on HELLO.
	Contracts []string `json:"contracts,omitempty"`
}

func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

func newMessage(t MessageType, peerID string, now time.Time) Message {
	return Message{
		Version:   ProtocolVersion,
		Type:      t,
		PeerID:    peerID,
		Timestamp: now.UnixMilli(),
	}
}

func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses and validates an inbound payload. A missing version
// is read as version 1; anything else that is not version 1 is rejected.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if m.Version == 0 {
		m.Version = ProtocolVersion
	}
	if m.Version != ProtocolVersion {
		return Message{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedMessage, m.Version)
	}

	switch m.Type {
	case MessageHello, MessageBeacon:
		if m.PeerID == "" {
			return Message{}, fmt.Errorf("%w: %s without peerId", ErrMalformedMessage, m.Type)
		}
	case MessageClaim, MessageRelease:
		if m.PeerID == "" || m.ContractID == "" {
			return Message{}, fmt.Errorf("%w: %s without peerId or contractId", ErrMalformedMessage, m.Type)
		}
	case MessageWhoHas:
		if m.ContractID == "" {
			return Message{}, fmt.Errorf("%w: WHO_HAS without contractId", ErrMalformedMessage)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}

	return m, nil
}
