package caphub

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Node is a remote participant we hold an established connection to.
// Its identity is the id it announced during the handshake.
type Node struct {
	id      string
	version int
	p       *peer
}

func (n *Node) ID() string {
	return n.id
}

// Version is the protocol version the node announced.
func (n *Node) Version() int {
	return n.version
}

// Send serializes `v` and queues it on the connection of the node.
// It fails with `ErrPeerDisconnected` once the connection is gone.
func (n *Node) Send(typ string, v any) error {
	if n.p == nil {
		return ErrPeerDisconnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: cannot encode %s: %w", typ, err)
	}
	return n.p.send(typ, payload)
}

func (n *Node) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", n.id),
		slog.Int("version", n.version),
	)
}

// Message is an application message received from a node.
type Message struct {
	Type    string
	Payload json.RawMessage

	// ReturnPath identifies the node which delivered the message, replies
	// go there.
	ReturnPath *Node
}

// Decode unmarshals the payload into `v`.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrProtocolViolation, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProtocolViolation, m.Type, err)
	}
	return nil
}
