package caphub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// DefaultLocalSocket is the unix socket used for local discovery unless
// `WithLocalSocket` says otherwise.
var DefaultLocalSocket = filepath.Join(os.TempDir(), "caphub", "local.sock")

// Hub is a node: a transport with its discoveries plus the device and
// service registries fed by it.
type Hub struct {
	config config
	logger *slog.Logger

	tr       *Transport
	local    *LocalDiscovery
	network  *NetworkDiscovery
	devices  *DeviceRegistry
	services *ServiceRegistry

	lk       sync.Mutex
	shutdown bool
}

func Create(opts ...Option) (*Hub, error) {
	h := &Hub{}
	h.config.trCfg.HandshakeTimeout = DefaultHandshakeTimeout
	h.config.trCfg.OutboundQueue = defaultOutboundQueue

	for _, opt := range opts {
		if err := opt(&h.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if h.config.nodeID == "" {
		h.config.nodeID = uuid.NewString()
	}
	if h.config.logHandler != nil {
		h.logger = slog.New(h.config.logHandler)
	} else {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With(slog.String("self", h.config.nodeID))
	if h.config.trCfg.MetricSink == nil {
		if err := WithMetricSink(&metrics.BlackholeSink{})(&h.config); err != nil {
			return nil, err
		}
	}

	h.config.trCfg.NodeID = h.config.nodeID
	h.config.netCfg.NodeID = h.config.nodeID

	if !h.config.noLocal {
		path := h.config.localSocket
		if path == "" {
			path = DefaultLocalSocket
		}
		h.local = NewLocalDiscovery(path, &h.config.regCfg)
		h.config.trCfg.Discoveries = append(h.config.trCfg.Discoveries, h.local)
	}

	if h.config.useNetwork {
		network, err := NewNetworkDiscovery(&h.config.netCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		h.network = network
		h.config.trCfg.Discoveries = append(h.config.trCfg.Discoveries, network)
	}

	h.config.trCfg.Discoveries = append(h.config.trCfg.Discoveries, h.config.discoveries...)

	tr, err := NewTransport(&h.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	h.tr = tr

	// Registries subscribe to the transport before anything connects.
	h.devices = NewDeviceRegistry(tr, &h.config.regCfg)
	h.services = NewServiceRegistry(tr, &h.config.regCfg)

	return h, nil
}

// ID is the id this node announces.
func (h *Hub) ID() string {
	return h.config.nodeID
}

func (h *Hub) Transport() *Transport {
	return h.tr
}

func (h *Hub) Devices() *DeviceRegistry {
	return h.devices
}

func (h *Hub) Services() *ServiceRegistry {
	return h.services
}

// Network returns the network discovery, nil unless it is enabled.
func (h *Hub) Network() *NetworkDiscovery {
	return h.network
}

// Join starts looking for other nodes.
func (h *Hub) Join(ctx context.Context) error {
	h.lk.Lock()
	defer h.lk.Unlock()
	if h.shutdown {
		return ErrHubClosed
	}
	if err := h.tr.Join(ctx); err != nil {
		return err
	}
	h.logger.Info("hub joined")
	return nil
}

// Shutdown disconnects from every node, then stops the registries.
func (h *Hub) Shutdown() error {
	h.lk.Lock()
	if h.shutdown {
		h.lk.Unlock()
		return nil
	}
	h.shutdown = true
	h.lk.Unlock()

	start := time.Now()
	h.logger.Info("shutting down...")

	err := h.tr.Leave()
	h.devices.Close()
	h.services.Close()

	h.logger.Info("shutdown complete", LabelDuration.L(time.Since(start)))
	if err != nil && !errors.Is(err, ErrTransportClosed) {
		return err
	}
	return nil
}
