package caphub

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg = errors.New("hub: invalid options")
	ErrHubClosed  = errors.New("hub: closed")

	ErrHandshakeTimeout  = errors.New("transport: handshake timed out")
	ErrSelfConnection    = errors.New("transport: peer negotiated our own id")
	ErrDuplicatePeer     = errors.New("transport: node is already connected")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrPeerDisconnected  = errors.New("transport: peer disconnected")
	ErrTransportClosed   = errors.New("transport: closed")
	ErrAlreadyJoined     = errors.New("transport: already joined")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")

	ErrJoinCluster   = errors.New("discovery: could not join cluster")
	ErrDiscoveryMeta = errors.New("discovery: invalid node meta")

	ErrRegistryClosed = errors.New("registry: closed")
	ErrInvalidID      = errors.New("registry: id cannot be empty")
	ErrNameConflict   = errors.New("registry: id is already registered locally")
	ErrUnknownDevice  = errors.New("registry: unknown device")
	ErrUnknownService = errors.New("registry: unknown service")
	ErrRemoteCall     = errors.New("registry: remote call failed")
)

// unknownServiceReason is the error string put on the wire when an
// invocation targets a service we do not host.
const unknownServiceReason = "Unknown service"

// UnknownActionError is returned when a service instance has neither a
// method for the requested action nor a generic dispatcher.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return "No action named " + e.Action
}

// RemoteError is the failure carried by a `service:invoke-result`.
// Callers cannot tell whether the remote action raised or returned an
// error, only the reason string crosses the wire.
type RemoteError struct {
	Service string
	Reason  string
}

func (e *RemoteError) Error() string {
	return e.Reason
}

func (e *RemoteError) Unwrap() error {
	return ErrRemoteCall
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownService && e.Reason == unknownServiceReason
}

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x2,
		Prefix: "shutdown",
	}
	QErrDisconnect = QuicApplicationError{
		Code:   0x3,
		Prefix: "disconnect",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
