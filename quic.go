package caphub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize int = 1 << 21

	// alpnProtocol is negotiated when the tls.Config does not set any.
	alpnProtocol = "caphub/1"
)

// quicListener owns the UDP socket carrying QUIC connections between
// nodes, in both directions.
type quicListener struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	tlsConf *tls.Config
	quicCfg *quic.Config

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener
}

func listenQuic(
	cfg *NetworkConfig,
	logger *slog.Logger,
	msink metrics.MetricSink,
	mLabels []metrics.Label,
) (ql *quicListener, err error) {
	ql = &quicListener{
		logger:  logger,
		msink:   msink,
		mLabels: mLabels,
		tlsConf: cfg.TlsConfig.Clone(),
		quicCfg: &quic.Config{
			Versions:        []quic.Version{quic.Version2, quic.Version1},
			MaxIdleTimeout:  1 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
	}
	if len(ql.tlsConf.NextProtos) == 0 {
		ql.tlsConf.NextProtos = []string{alpnProtocol}
	}

	defer func() {
		if err != nil {
			_ = ql.close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.StreamPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	ql.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	ql.negociateBufferSize(requested)

	ql.tr = &quic.Transport{Conn: udpLn}
	ln, err := ql.tr.Listen(ql.tlsConf, ql.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	ql.ln = ln
	return ql, nil
}

func (ql *quicListener) port() int {
	if ql.udpLn == nil {
		return 0
	}
	return ql.udpLn.LocalAddr().(*net.UDPAddr).Port
}

// negociateBufferSize halves the requested size until the kernel accepts
// it, small buffers only degrade throughput.
func (ql *quicListener) negociateBufferSize(requested int) {
	size := requested
	for size > 0 {
		if err := ql.udpLn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			ql.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		return
	}
	ql.logger.Warn("could not set UDP buffer size")
}

func (ql *quicListener) acceptLoop(ctx context.Context, handler ConnHandler) {
	for {
		conn, err := ql.ln.Accept(ctx)
		if err != nil {
			if !ql.gracefulTerm.Load() && ctx.Err() == nil {
				// NB: quic-go only fails Accept once closed, so
				// there is nothing to retry.
				ql.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		go ql.acceptStream(ctx, conn, handler)
	}
}

func (ql *quicListener) acceptStream(ctx context.Context, conn quic.Connection, handler ConnHandler) {
	logger := ql.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))
	mLabels := withLabels(ql.mLabels, LabelRole.M(RoleResponder.String()))

	acceptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream, err := conn.AcceptStream(acceptCtx)
	if err != nil {
		ql.msink.IncrCounterWithLabels(MetricDiscoveryErrorCount, 1.0,
			withLabels(mLabels, LabelError.M("no_stream")))
		logger.Warn("connection opened no stream", LabelError.L(err))
		_ = QErrInternal.Close(conn, "expected a stream")
		return
	}

	ql.msink.IncrCounterWithLabels(MetricDiscoveryConnCount, 1.0, mLabels)
	handler.HandleConn(&quicConn{conn: conn, Stream: stream}, RoleResponder)
}

func (ql *quicListener) dial(ctx context.Context, addr string, handler ConnHandler) error {
	mLabels := withLabels(ql.mLabels, LabelRole.M(RoleInitiator.String()))

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := ql.tr.Dial(ctx, udpAddr, ql.tlsConf, ql.quicCfg)
	if err != nil {
		ql.msink.IncrCounterWithLabels(MetricDiscoveryErrorCount, 1.0,
			withLabels(mLabels, LabelError.M("dial")))
		return err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		ql.msink.IncrCounterWithLabels(MetricDiscoveryErrorCount, 1.0,
			withLabels(mLabels, LabelError.M("cannot_open_stream")))
		_ = QErrInternal.Close(conn, "cannot open stream")
		return err
	}

	ql.msink.IncrCounterWithLabels(MetricDiscoveryConnCount, 1.0, mLabels)
	handler.HandleConn(&quicConn{conn: conn, Stream: stream}, RoleInitiator)
	return nil
}

func (ql *quicListener) close() error {
	if !ql.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if ql.ln != nil {
		errs = append(errs, ql.ln.Close())
	}
	if ql.tr != nil {
		errs = append(errs, ql.tr.Close())
	}
	if ql.udpLn != nil {
		if err := ql.udpLn.Close(); !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// quicConn is the single bidirectional stream of a QUIC connection
// between two nodes. Closing it closes the whole connection.
type quicConn struct {
	conn quic.Connection
	quic.Stream
}

var _ io.ReadWriteCloser = (*quicConn)(nil)

func (qc *quicConn) RemoteAddr() net.Addr {
	return qc.conn.RemoteAddr()
}

func (qc *quicConn) Close() error {
	return QErrDisconnect.Close(qc.conn, "bye")
}
