package caphub

import "encoding/json"

// ProtocolVersion is announced in every handshake.
const ProtocolVersion = 1

// Message types exchanged between two peers.
const (
	MsgHello              = "hello"
	MsgMetadata           = "metadata"
	MsgDevice             = "device"
	MsgDeviceDisconnected = "device:disconnected"
	MsgServiceAvailable   = "service:available"
	MsgServiceUnavailable = "service:unavailable"
	MsgServiceSubscribe   = "service:subscribe"
	MsgServiceUnsubscribe = "service:unsubscribe"
	MsgServiceEvent       = "service:event"
	MsgServiceInvoke      = "service:invoke"
	MsgServiceInvokeRes   = "service:invoke-result"
)

type helloMsg struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

type deviceMsg struct {
	ID      string   `json:"id"`
	Peer    string   `json:"peer"`
	Owner   string   `json:"owner"`
	Methods []string `json:"methods"`
}

type deviceDisconnectedMsg struct {
	ID   string `json:"id"`
	Peer string `json:"peer"`
}

// serviceDefMsg is used by both `service:available` and
// `service:unavailable`.
type serviceDefMsg struct {
	ID       string   `json:"id"`
	Instance string   `json:"instance,omitempty"`
	Metadata Metadata `json:"metadata"`
	Distance int      `json:"distance"`
}

type subscriptionMsg struct {
	Service string `json:"service"`
}

type serviceEventMsg struct {
	Service  string          `json:"service"`
	Instance string          `json:"instance,omitempty"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type invokeMsg struct {
	Service   string            `json:"service"`
	Action    string            `json:"action"`
	Arguments []json.RawMessage `json:"arguments"`
	Seq       uint64            `json:"seq"`
}

type invokeResultMsg struct {
	Service string          `json:"service"`
	Seq     uint64          `json:"seq"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *string         `json:"error,omitempty"`
}
