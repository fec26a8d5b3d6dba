package caphub

import (
	"context"
	"io"
)

// ConnHandler adopts the raw connections found by a `Discovery`.
// `Transport` is the implementation used by a `Hub`.
type ConnHandler interface {
	// HandleConn takes ownership of `conn`. The initiator is the side
	// which opened it and sends the first hello.
	HandleConn(conn io.ReadWriteCloser, role Role)

	// BecameLeader is called when the discovery elected us as the
	// rendez-vous point of its scope.
	BecameLeader()
}

// Discovery finds other nodes and hands the connections to them over to
// a `ConnHandler`.
//
// Start MUST NOT block past its setup: long-running work belongs to
// goroutines bound to `ctx`, which is cancelled when the transport
// leaves. Close MUST be safe to call even if Start was never called.
type Discovery interface {
	Start(ctx context.Context, handler ConnHandler) error
	io.Closer
}
