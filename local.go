package caphub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
)

const localRetryInterval = 250 * time.Millisecond

// LocalDiscovery connects the nodes running on the same machine.
//
// The first node to bind the unix socket becomes the leader and accepts
// the others, which dial it. When the leader goes away its followers race
// to take its place.
type LocalDiscovery struct {
	path    string
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	lk      sync.Mutex
	ln      net.Listener
	conn    net.Conn
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewLocalDiscovery(path string, cfg *RegistryConfig) *LocalDiscovery {
	if cfg == nil {
		cfg = &RegistryConfig{}
	}
	d := &LocalDiscovery{
		path:    path,
		closeCh: make(chan struct{}),
		mLabels: withLabels(cfg.MetricLabels, LabelDiscovery.M("local")),
	}
	if cfg.LogHandler == nil {
		d.logger = slog.Default()
	} else {
		d.logger = slog.New(cfg.LogHandler)
	}
	d.logger = d.logger.With(LabelDiscovery.L("local"), "socket", path)
	if cfg.MetricSink == nil {
		d.msink = &metrics.BlackholeSink{}
	} else {
		d.msink = cfg.MetricSink
	}
	return d
}

func (d *LocalDiscovery) Start(ctx context.Context, handler ConnHandler) error {
	if d.path == "" {
		return ErrInvalidAddr
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}

	d.lk.Lock()
	defer d.lk.Unlock()
	if d.closed {
		return ErrTransportClosed
	}
	d.wg.Add(1)
	go d.run(ctx, handler)
	return nil
}

func (d *LocalDiscovery) Close() error {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	if d.ln != nil {
		_ = d.ln.Close()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.lk.Unlock()

	d.wg.Wait()
	return nil
}

func (d *LocalDiscovery) run(ctx context.Context, handler ConnHandler) {
	defer d.wg.Done()

	for {
		if d.isDone(ctx) {
			return
		}

		ln, err := net.Listen("unix", d.path)
		if err == nil {
			d.lead(ln, handler)
			continue
		}

		conn, err := net.Dial("unix", d.path)
		if err == nil {
			d.follow(ctx, conn, handler)
			continue
		}

		if errors.Is(err, syscall.ECONNREFUSED) {
			ln, err = d.reclaim()
			if err == nil {
				if ln != nil {
					d.lead(ln, handler)
				}
				continue
			}
		}

		d.msink.IncrCounterWithLabels(MetricDiscoveryErrorCount, 1.0, d.mLabels)
		d.logger.Warn("cannot reach local leader", LabelError.L(err))
		select {
		case <-time.After(localRetryInterval):
		case <-d.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *LocalDiscovery) isDone(ctx context.Context) bool {
	select {
	case <-d.closeCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// reclaim takes over a socket whose owner died without removing it.
// The lock file keeps two followers from removing each other's socket.
func (d *LocalDiscovery) reclaim() (net.Listener, error) {
	lock, err := os.OpenFile(d.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return nil, err
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)

	if conn, err := net.Dial("unix", d.path); err == nil {
		// Somebody else reclaimed it first.
		_ = conn.Close()
		return nil, nil
	}

	d.logger.Info("removing stale socket")
	if err := os.Remove(d.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", d.path)
}

// lead accepts followers until the listener is closed.
func (d *LocalDiscovery) lead(ln net.Listener, handler ConnHandler) {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		_ = ln.Close()
		return
	}
	d.ln = ln
	d.lk.Unlock()

	d.logger.Info("listening as local leader")
	handler.BecameLeader()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.logger.Warn("local listener failed", LabelError.L(err))
			}
			_ = ln.Close()
			return
		}
		d.msink.IncrCounterWithLabels(MetricDiscoveryConnCount, 1.0,
			withLabels(d.mLabels, LabelRole.M(RoleResponder.String())))
		handler.HandleConn(conn, RoleResponder)
	}
}

// follow hands the connection to the leader over and waits for it to
// close before trying to take the lead.
func (d *LocalDiscovery) follow(ctx context.Context, conn net.Conn, handler ConnHandler) {
	tracked := &trackedConn{Conn: conn, closedCh: make(chan struct{})}

	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		_ = conn.Close()
		return
	}
	d.conn = tracked
	d.lk.Unlock()

	d.logger.Debug("connected to local leader")
	d.msink.IncrCounterWithLabels(MetricDiscoveryConnCount, 1.0,
		withLabels(d.mLabels, LabelRole.M(RoleInitiator.String())))
	handler.HandleConn(tracked, RoleInitiator)

	select {
	case <-tracked.closedCh:
		d.logger.Info("local leader connection closed")
	case <-d.closeCh:
	case <-ctx.Done():
	}
}

// trackedConn signals when the transport is done with the connection.
type trackedConn struct {
	net.Conn
	once     sync.Once
	closedCh chan struct{}
}

func (c *trackedConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Conn.Close()
		close(c.closedCh)
	})
	return err
}
