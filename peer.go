package caphub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/caphub/pkg/wire"
)

// DefaultHandshakeTimeout is how long a connection may stay without a
// completed handshake before being closed.
const DefaultHandshakeTimeout = time.Second

const defaultOutboundQueue = 64

// Role tells which side of a connection sends the first hello.
type Role uint8

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// peerHandler receives the lifecycle of a peer. Every method is called
// from the read loop of the peer, so calls for one peer never overlap and
// are ordered as they happened on the wire.
type peerHandler interface {
	peerEstablished(p *peer) error
	peerMessage(p *peer, frame wire.Frame)
	peerFailed(p *peer, err error)
	peerDisconnected(p *peer)
}

// peer is one end of a connection. It runs the handshake, then decodes
// frames until the connection dies.
type peer struct {
	localID string
	role    Role
	conn    io.ReadWriteCloser
	handler peerHandler
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	timeout time.Duration

	node        *Node
	established atomic.Bool
	timer       *time.Timer
	handshakeCh chan error

	outCh     chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}
}

func newPeer(t *Transport, conn io.ReadWriteCloser, role Role) *peer {
	queue := t.cfg.OutboundQueue
	if queue <= 0 {
		queue = defaultOutboundQueue
	}
	timeout := t.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	logger := t.logger.With(LabelRole.L(role.String()))
	mLabels := withLabels(t.cfg.MetricLabels, LabelRole.M(role.String()))
	if withAddr, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && withAddr.RemoteAddr() != nil {
		addr := withAddr.RemoteAddr().String()
		logger = logger.With(LabelPeerAddr.L(addr))
	}

	return &peer{
		localID:     t.cfg.NodeID,
		role:        role,
		conn:        conn,
		handler:     t,
		logger:      logger,
		msink:       t.msink,
		mLabels:     mLabels,
		timeout:     timeout,
		handshakeCh: make(chan error, 1),
		outCh:       make(chan []byte, queue),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (p *peer) start() {
	p.timer = time.AfterFunc(p.timeout, func() {
		p.closeWith(ErrHandshakeTimeout)
	})
	if p.role == RoleInitiator {
		_ = p.sendValue(MsgHello, helloMsg{ID: p.localID, Version: ProtocolVersion})
	}
	go p.writeLoop()
	go p.readLoop()
}

// negotiate waits for the handshake outcome.
func (p *peer) negotiate(ctx context.Context) (*Node, error) {
	select {
	case err := <-p.handshakeCh:
		if err != nil {
			return nil, err
		}
		return p.node, nil
	case <-ctx.Done():
		p.closeWith(ctx.Err())
		return nil, ctx.Err()
	}
}

// disconnect closes the connection. Frames still queued are dropped.
func (p *peer) disconnect() {
	p.closeWith(nil)
}

func (p *peer) closeWith(err error) {
	p.closeOnce.Do(func() {
		if err != nil && !isClosedConnErr(err) {
			p.closeErr = err
		}
		close(p.closeCh)
		_ = p.conn.Close()
	})
}

func (p *peer) sendValue(typ string, v any) error {
	return (&Node{p: p}).Send(typ, v)
}

func (p *peer) send(typ string, payload []byte) error {
	buf, err := wire.Encode(typ, payload)
	if err != nil {
		return err
	}
	return p.enqueue(typ, buf)
}

func (p *peer) enqueue(typ string, buf []byte) error {
	select {
	case <-p.closeCh:
		p.msink.IncrCounterWithLabels(MetricFrameDroppedCount, 1.0,
			withLabels(p.mLabels, LabelMessageType.M(typ)))
		return ErrPeerDisconnected
	default:
	}

	select {
	case p.outCh <- buf:
		return nil
	case <-p.closeCh:
		p.msink.IncrCounterWithLabels(MetricFrameDroppedCount, 1.0,
			withLabels(p.mLabels, LabelMessageType.M(typ)))
		return ErrPeerDisconnected
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case buf := <-p.outCh:
			if _, err := p.conn.Write(buf); err != nil {
				p.closeWith(err)
				return
			}
			p.msink.IncrCounterWithLabels(MetricFrameOutCount, 1.0, p.mLabels)
		case <-p.closeCh:
			return
		}
	}
}

func (p *peer) readLoop() {
	defer close(p.doneCh)

	for frame, err := range wire.NewDecoder(p.conn).Frames() {
		if err != nil {
			p.closeWith(err)
			break
		}
		p.msink.IncrCounterWithLabels(MetricFrameInCount, 1.0,
			withLabels(p.mLabels, LabelMessageType.M(frame.Type)))

		if err := p.handle(frame); err != nil {
			p.closeWith(err)
			break
		}
	}

	p.closeWith(nil)
	p.finish()
}

func (p *peer) handle(frame wire.Frame) error {
	switch frame.Type {
	case MsgHello:
		var hello helloMsg
		if err := (Message{Type: frame.Type, Payload: frame.Payload}).Decode(&hello); err != nil {
			return err
		}
		// Every hello is answered, even once established.
		if err := p.sendValue(MsgMetadata, helloMsg{ID: p.localID, Version: ProtocolVersion}); err != nil {
			return err
		}
		if p.role == RoleResponder && !p.established.Load() {
			return p.establish(hello)
		}
		return nil

	case MsgMetadata:
		if p.role != RoleInitiator || p.established.Load() {
			return nil
		}
		var meta helloMsg
		if err := (Message{Type: frame.Type, Payload: frame.Payload}).Decode(&meta); err != nil {
			return err
		}
		return p.establish(meta)

	default:
		if !p.established.Load() {
			p.logger.Debug("dropping message received before handshake", LabelMessageType.L(frame.Type))
			p.msink.IncrCounterWithLabels(MetricFrameDroppedCount, 1.0,
				withLabels(p.mLabels, LabelMessageType.M(frame.Type)))
			return nil
		}
		p.handler.peerMessage(p, frame)
		return nil
	}
}

func (p *peer) establish(remote helloMsg) error {
	if remote.ID == "" {
		return ErrProtocolViolation
	}
	if !p.timer.Stop() {
		return ErrHandshakeTimeout
	}

	p.node = &Node{id: remote.ID, version: remote.Version, p: p}
	p.logger = p.logger.With(LabelNodeID.L(remote.ID))
	if err := p.handler.peerEstablished(p); err != nil {
		return err
	}

	p.established.Store(true)
	p.handshakeCh <- nil
	return nil
}

func (p *peer) finish() {
	if !p.established.Load() {
		p.timer.Stop()
		err := p.closeErr
		if err == nil {
			err = ErrPeerDisconnected
		}
		p.handshakeCh <- err
		return
	}

	if p.closeErr != nil {
		p.handler.peerFailed(p, p.closeErr)
	}
	p.handler.peerDisconnected(p)
}

// isClosedConnErr reports errors which only mean the connection is gone.
func isClosedConnErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		code := uint64(appErr.ErrorCode)
		return code == QErrShutdown.Code || code == QErrDisconnect.Code
	}
	return false
}
