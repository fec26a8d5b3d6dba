package caphub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLocalHub(t *testing.T, id, socket string) *Hub {
	t.Helper()
	hub, err := Create(
		WithNodeID(id),
		WithLog(testLogHandler(id)),
		WithLocalSocket(socket),
		WithHandshakeTimeout(time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, hub.Shutdown()) })
	require.NoError(t, hub.Join(context.Background()))
	return hub
}

func TestHub_LocalNodesShareDevicesAndServices(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "local.sock")
	hub1 := newLocalHub(t, "node-a", socket)

	// Known before the second node shows up.
	_, err := hub1.Devices().Register("lamp-1", "on", "off")
	require.NoError(t, err)

	hub2 := newLocalHub(t, "node-b", socket)
	require.Nil(t, hub2.Network())

	_, err = hub2.Services().Register("light-2", &light{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, ok := hub2.Devices().Get("lamp-1")
		return ok && d.Owner == "node-a" && d.Authoritative()
	}, 2*time.Second, 10*time.Millisecond)

	svc := requireService(t, hub1.Services(), "light-2")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	on, err := CallAs[bool](ctx, svc, "on")
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, hub2.Shutdown())
	require.Eventually(t, func() bool {
		_, ok := hub1.Services().Get("light-2")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "services of a gone node are dropped")
}

func TestHub_Lifecycle(t *testing.T) {
	hub, err := Create(WithLocalSocket(""), WithLog(testLogHandler("anonymous")))
	require.NoError(t, err)
	require.NotEmpty(t, hub.ID(), "a node id is generated")

	require.NoError(t, hub.Join(context.Background()))
	require.ErrorIs(t, hub.Join(context.Background()), ErrAlreadyJoined)
	require.NoError(t, hub.Shutdown())
	require.NoError(t, hub.Shutdown())
	require.ErrorIs(t, hub.Join(context.Background()), ErrHubClosed)

	_, err = hub.Services().Register("light-1", &light{})
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestHub_InvalidOptions(t *testing.T) {
	_, err := Create(WithNodeID(""))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(WithTlsConfig(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = Create(WithOutboundQueue(0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	// Network discovery needs TLS.
	_, err = Create(WithLocalSocket(""), WithListenOn("127.0.0.1", 0, 0))
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = Create(WithDiscovery(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
