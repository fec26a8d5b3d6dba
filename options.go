package caphub

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
)

type config struct {
	nodeID      string
	trCfg       TransportConfig
	regCfg      RegistryConfig
	netCfg      NetworkConfig
	logHandler  slog.Handler
	localSocket string
	useNetwork  bool
	noLocal     bool
	discoveries []Discovery
}

// Option to pass to `Create`
type Option func(*config) error

// WithNodeID sets the id this node announces during handshakes.
// It MUST be unique among every node you may ever connect to. A random
// one is generated when this option is absent.
func WithNodeID(id string) Option {
	return func(c *config) error {
		if id == "" {
			return fmt.Errorf("%w: node id cannot be empty", ErrInvalidCfg)
		}
		c.nodeID = id
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		c.regCfg.LogHandler = handler
		c.netCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Hub`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.trCfg.MetricSink = ms
		c.regCfg.MetricSink = ms
		c.netCfg.MetricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Hub.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.trCfg.MetricLabels = labels
		c.regCfg.MetricLabels = labels
		c.netCfg.MetricLabels = labels

		// memberlist still emits through the armon fork.
		c.netCfg.legacyLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.netCfg.legacyLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithHandshakeTimeout bounds how long a freshly opened connection may
// take to exchange its hello and metadata messages.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = DefaultHandshakeTimeout
		}
		c.trCfg.HandshakeTimeout = timeout
		return nil
	}
}

// WithOutboundQueue sets how many encoded frames may wait for the writer
// of a single peer before senders block.
func WithOutboundQueue(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("%w: outbound queue must be positive", ErrInvalidCfg)
		}
		c.trCfg.OutboundQueue = size
		return nil
	}
}

// WithLocalSocket sets the path of the unix socket used to find the other
// nodes running on this machine. An empty path disables local discovery.
func WithLocalSocket(path string) Option {
	return func(c *config) error {
		c.localSocket = path
		c.noLocal = path == ""
		return nil
	}
}

// WithListenOn enables network discovery. Gossip is bound to `port` on
// both TCP and UDP, QUIC streams use `streamPort` over UDP.
func WithListenOn(addr string, port, streamPort int) Option {
	return func(c *config) error {
		if port < 0 || streamPort < 0 {
			return fmt.Errorf("%w: negative port", ErrInvalidAddr)
		}
		c.useNetwork = true
		c.netCfg.BindAddr = addr
		c.netCfg.BindPort = port
		c.netCfg.StreamPort = streamPort
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by QUIC connections between
// nodes. Use mTLS in production since that is the only way to secure the
// network discovery at this time.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.useNetwork = true
		c.netCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithNeighbours controls which gossip peers are tried initially to
// join the cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.useNetwork = true
		c.netCfg.Neighbours = neighbours
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.netCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for the
// gossip layer to broadcast our departure.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 5 * time.Second
		}
		c.netCfg.GracePeriod = period
		return nil
	}
}

// WithDiscovery adds a custom `Discovery` next to the built-in ones.
func WithDiscovery(d Discovery) Option {
	return func(c *config) error {
		if d == nil {
			return fmt.Errorf("%w: nil discovery", ErrInvalidCfg)
		}
		c.discoveries = append(c.discoveries, d)
		return nil
	}
}
