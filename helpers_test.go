package caphub

import (
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func newTestTransport(t *testing.T, id string) *Transport {
	t.Helper()
	tr, err := NewTransport(&TransportConfig{
		NodeID:           id,
		HandshakeTimeout: time.Second,
		LogHandler:       testLogHandler(id),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Leave() })
	return tr
}

// link connects two transports through an in-memory pipe, `a` being the
// initiator.
func link(a, b *Transport) {
	c1, c2 := net.Pipe()
	b.HandleConn(c2, RoleResponder)
	a.HandleConn(c1, RoleInitiator)
}

func hasNode(tr *Transport, id string) bool {
	for _, node := range tr.Nodes() {
		if node.ID() == id {
			return true
		}
	}
	return false
}

func requireLinked(t *testing.T, a, b *Transport) {
	t.Helper()
	link(a, b)
	require.Eventually(t, func() bool {
		return hasNode(a, b.ID()) && hasNode(b, a.ID())
	}, 2*time.Second, 10*time.Millisecond, "nodes should see each other")
}

// recorder is a NodeListener keeping track of what it saw.
type recorder struct {
	lk          sync.Mutex
	available   []string
	unavailable []string
	messages    []Message
}

func (r *recorder) NodeAvailable(node *Node) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.available = append(r.available, node.ID())
}

func (r *recorder) NodeUnavailable(node *Node) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.unavailable = append(r.unavailable, node.ID())
}

func (r *recorder) HandleMessage(msg Message) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) snapshot() (available, unavailable []string, messages []Message) {
	r.lk.Lock()
	defer r.lk.Unlock()
	return slices.Clone(r.available), slices.Clone(r.unavailable), slices.Clone(r.messages)
}

// MockNetwork lets registry tests drive the loop handlers directly.
type MockNetwork struct {
	m        mock.Mock
	id       string
	lk       sync.Mutex
	nodes    []*Node
	listener NodeListener
}

func newMockNetwork(id string, peers ...string) *MockNetwork {
	n := &MockNetwork{id: id}
	for _, peer := range peers {
		n.nodes = append(n.nodes, &Node{id: peer, version: ProtocolVersion})
	}
	return n
}

func (n *MockNetwork) ID() string {
	return n.id
}

func (n *MockNetwork) Nodes() []*Node {
	n.lk.Lock()
	defer n.lk.Unlock()
	return slices.Clone(n.nodes)
}

func (n *MockNetwork) Send(nodeID string, typ string, v any) error {
	args := n.m.Called(nodeID, typ, v)
	return args.Error(0)
}

func (n *MockNetwork) Broadcast(typ string, v any) error {
	args := n.m.Called(typ, v)
	return args.Error(0)
}

func (n *MockNetwork) Subscribe(l NodeListener) func() {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.listener = l
	return func() {}
}

func (n *MockNetwork) node(id string) *Node {
	return &Node{id: id, version: ProtocolVersion}
}
