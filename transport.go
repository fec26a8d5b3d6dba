package caphub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/caphub/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// TransportConfig represents the configuration of a `Transport`.
type TransportConfig struct {
	// NodeID is announced to every peer during the handshake.
	NodeID string

	// HandshakeTimeout bounds the hello/metadata exchange.
	HandshakeTimeout time.Duration

	// OutboundQueue is the number of frames which can wait for the
	// writer of a single peer.
	OutboundQueue int

	// Discoveries feed the transport with raw connections once joined.
	Discoveries []Discovery

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// NodeListener is notified of the nodes and messages going through a
// `Transport`. Calls are made from the read loop of the peer concerned
// so implementations MUST NOT block for long.
type NodeListener interface {
	NodeAvailable(node *Node)
	NodeUnavailable(node *Node)
	HandleMessage(msg Message)
}

// Transport maintains the set of established peers, keyed by node id,
// and fans their messages out to its listeners.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	lk        sync.RWMutex
	peers     map[string]*peer
	conns     map[*peer]struct{}
	listeners []*listenerEntry
	joined    bool
	closed    bool

	leader atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type listenerEntry struct {
	NodeListener
}

func NewTransport(cfg *TransportConfig) (*Transport, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("%w: transport needs a node id", ErrInvalidCfg)
	}

	t := &Transport{
		cfg:   cfg,
		peers: make(map[string]*peer),
		conns: make(map[*peer]struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(slog.String("self", cfg.NodeID))

	if cfg.MetricSink == nil {
		t.msink = &metrics.BlackholeSink{}
	} else {
		t.msink = cfg.MetricSink
	}

	return t, nil
}

// ID returns our own node id.
func (t *Transport) ID() string {
	return t.cfg.NodeID
}

// IsLeader reports whether one of our discoveries elected us as the
// node others connect to.
func (t *Transport) IsLeader() bool {
	return t.leader.Load()
}

// Join starts every configured discovery. It fails if any of them cannot
// start, in which case the ones which did are closed.
func (t *Transport) Join(ctx context.Context) error {
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return ErrTransportClosed
	}
	if t.joined {
		t.lk.Unlock()
		return ErrAlreadyJoined
	}
	t.joined = true
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.lk.Unlock()

	var g errgroup.Group
	for _, d := range t.cfg.Discoveries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return d.Start(runCtx, t)
		})
	}

	if err := g.Wait(); err != nil {
		t.logger.Error("could not start discoveries", LabelError.L(err))
		_ = t.closeDiscoveries()
		return err
	}

	t.logger.Info("transport joined", "discoveries", len(t.cfg.Discoveries))
	return nil
}

// Leave stops the discoveries and disconnects every peer. It returns once
// every disconnection has been notified to the listeners.
func (t *Transport) Leave() error {
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*peer, 0, len(t.conns))
	for p := range t.conns {
		conns = append(conns, p)
	}
	t.lk.Unlock()

	err := t.closeDiscoveries()
	for _, p := range conns {
		p.disconnect()
	}
	t.wg.Wait()
	t.leader.Store(false)

	t.logger.Info("transport left")
	return err
}

func (t *Transport) closeDiscoveries() error {
	if t.cancel != nil {
		t.cancel()
	}
	var g errgroup.Group
	for _, d := range t.cfg.Discoveries {
		g.Go(d.Close)
	}
	return g.Wait()
}

// HandleConn adopts a raw connection and starts the handshake on it.
func (t *Transport) HandleConn(conn io.ReadWriteCloser, role Role) {
	p := newPeer(t, conn, role)

	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		_ = conn.Close()
		return
	}
	t.conns[p] = struct{}{}
	t.wg.Add(1)
	t.lk.Unlock()

	p.start()
	go func() {
		defer t.wg.Done()
		defer func() {
			<-p.doneCh
			t.lk.Lock()
			delete(t.conns, p)
			t.lk.Unlock()
		}()

		node, err := p.negotiate(context.Background())
		if err != nil {
			t.msink.IncrCounterWithLabels(MetricPeerNegotiationErrors, 1.0,
				withLabels(p.mLabels, LabelError.M(negotiationErrorLabel(err))))
			p.logger.Warn("handshake failed", LabelError.L(err))
			return
		}
		p.logger.Debug("handshake completed", "node", node)
	}()
}

// BecameLeader is called by a discovery which elected us.
func (t *Transport) BecameLeader() {
	if t.leader.CompareAndSwap(false, true) {
		t.msink.IncrCounterWithLabels(MetricLeaderElectedCount, 1.0, t.cfg.MetricLabels)
		t.logger.Info("elected as leader")
	}
}

// Subscribe registers a listener. Nodes already connected are NOT
// replayed, subscribe before joining.
func (t *Transport) Subscribe(l NodeListener) (unsubscribe func()) {
	entry := &listenerEntry{l}
	t.lk.Lock()
	t.listeners = append(t.listeners, entry)
	t.lk.Unlock()

	return func() {
		t.lk.Lock()
		t.listeners = slices.DeleteFunc(t.listeners, func(e *listenerEntry) bool {
			return e == entry
		})
		t.lk.Unlock()
	}
}

// Nodes returns the currently established nodes.
func (t *Transport) Nodes() []*Node {
	t.lk.RLock()
	defer t.lk.RUnlock()
	nodes := make([]*Node, 0, len(t.peers))
	for _, p := range t.peers {
		nodes = append(nodes, p.node)
	}
	return nodes
}

// Send delivers `v` to the node named `nodeID`. Sending to a node we are
// not connected to is a silent no-op.
func (t *Transport) Send(nodeID string, typ string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: cannot encode %s: %w", typ, err)
	}

	t.lk.RLock()
	p, ok := t.peers[nodeID]
	t.lk.RUnlock()
	if !ok {
		t.logger.Debug("no route to node", LabelNodeID.L(nodeID), LabelMessageType.L(typ))
		return nil
	}

	if err := p.send(typ, payload); err != nil && err != ErrPeerDisconnected {
		return err
	}
	return nil
}

// Broadcast delivers `v` to every established node.
func (t *Transport) Broadcast(typ string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: cannot encode %s: %w", typ, err)
	}
	buf, err := wire.Encode(typ, payload)
	if err != nil {
		return err
	}

	t.lk.RLock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.lk.RUnlock()

	for _, p := range peers {
		_ = p.enqueue(typ, buf)
	}
	return nil
}

func (t *Transport) snapshotListeners() []*listenerEntry {
	t.lk.RLock()
	defer t.lk.RUnlock()
	return slices.Clone(t.listeners)
}

func (t *Transport) peerEstablished(p *peer) error {
	id := p.node.ID()
	if id == t.cfg.NodeID {
		return ErrSelfConnection
	}

	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return ErrTransportClosed
	}
	if _, exists := t.peers[id]; exists {
		t.lk.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	t.peers[id] = p
	active := len(t.peers)
	t.lk.Unlock()

	t.msink.IncrCounterWithLabels(MetricPeerEstablishedCount, 1.0, p.mLabels)
	t.msink.SetGaugeWithLabels(MetricPeerActive, float32(active), t.cfg.MetricLabels)
	p.logger.Info("peer connected")

	for _, l := range t.snapshotListeners() {
		l.NodeAvailable(p.node)
	}
	return nil
}

func (t *Transport) peerMessage(p *peer, frame wire.Frame) {
	msg := Message{
		Type:       frame.Type,
		Payload:    frame.Payload,
		ReturnPath: p.node,
	}
	for _, l := range t.snapshotListeners() {
		l.HandleMessage(msg)
	}
}

func (t *Transport) peerFailed(p *peer, err error) {
	p.logger.Warn("peer connection failed", LabelError.L(err))
}

func (t *Transport) peerDisconnected(p *peer) {
	id := p.node.ID()

	t.lk.Lock()
	if current, ok := t.peers[id]; ok && current == p {
		delete(t.peers, id)
	}
	active := len(t.peers)
	t.lk.Unlock()

	t.msink.IncrCounterWithLabels(MetricPeerDisconnectedCount, 1.0, p.mLabels)
	t.msink.SetGaugeWithLabels(MetricPeerActive, float32(active), t.cfg.MetricLabels)
	p.logger.Info("peer disconnected")

	for _, l := range t.snapshotListeners() {
		l.NodeUnavailable(p.node)
	}
}

func negotiationErrorLabel(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrSelfConnection):
		return "self"
	case errors.Is(err, ErrDuplicatePeer):
		return "duplicate"
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, wire.ErrFraming):
		return "protocol_violation"
	case errors.Is(err, ErrTransportClosed):
		return "closed"
	default:
		return "unknown"
	}
}
