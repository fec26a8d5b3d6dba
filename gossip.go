package caphub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// NetworkConfig represents the configuration of a `NetworkDiscovery`.
type NetworkConfig struct {
	// NodeID is used as the gossip member name.
	NodeID string

	// BindAddr and BindPort are where the gossip protocol listens, on
	// both TCP and UDP. StreamPort is the UDP port of QUIC streams. A zero
	// port picks a free one.
	BindAddr   string
	BindPort   int
	StreamPort int

	// Neighbours are tried initially to join the cluster.
	Neighbours []string

	// TlsConfig should be configured to ensure mTLS is enabled between
	// the nodes.
	TlsConfig *tls.Config

	// BufferSize of the requested UDP kernel buffer for QUIC.
	BufferSize int

	// DialTimeout controls how much time we wait for stream establishment.
	DialTimeout time.Duration

	// GracePeriod is how long we wait for our departure to propagate.
	GracePeriod time.Duration

	// MetricsLabels to add to every metrics emitted.
	MetricLabels []metrics.Label
	legacyLabels []leg_metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// NetworkDiscovery finds nodes on the network with a gossip protocol and
// connects to them through QUIC streams.
//
// Every member advertises its QUIC port in its gossip metadata. When two
// members meet, the one with the lexically smaller id dials the other so
// there is a single connection per pair.
type NetworkDiscovery struct {
	cfg     *NetworkConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	mlCfg   *memberlist.Config

	lk      sync.Mutex
	ml      *memberlist.Memberlist
	stream  *quicListener
	handler ConnHandler
	ctx     context.Context
	closed  bool
	wg      sync.WaitGroup
}

// nodeMeta is the gossip metadata of a member.
type nodeMeta struct {
	ID         string `json:"id"`
	StreamPort int    `json:"stream_port"`
}

func NewNetworkDiscovery(cfg *NetworkConfig) (*NetworkDiscovery, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("%w: network discovery needs a node id", ErrInvalidCfg)
	}
	if cfg.BindAddr != "" && net.ParseIP(cfg.BindAddr) == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, cfg.BindAddr)
	}

	d := &NetworkDiscovery{
		cfg:     cfg,
		mLabels: withLabels(cfg.MetricLabels, LabelDiscovery.M("network")),
	}

	var logHandler slog.Handler
	if cfg.LogHandler == nil {
		logHandler = slog.Default().Handler()
	} else {
		logHandler = cfg.LogHandler
	}
	d.logger = slog.New(logHandler).With(LabelDiscovery.L("network"))

	if cfg.MetricSink == nil {
		d.msink = &metrics.BlackholeSink{}
	} else {
		d.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 5 * time.Second
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(logHandler, slog.LevelDebug)
	mlCfg.MetricLabels = cfg.legacyLabels
	mlCfg.Delegate = &gossipDelegate{d: d}
	mlCfg.Events = &gossip{d: d}
	d.mlCfg = mlCfg

	return d, nil
}

func (d *NetworkDiscovery) Start(ctx context.Context, handler ConnHandler) error {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return ErrTransportClosed
	}
	d.handler = handler
	d.ctx = ctx
	d.lk.Unlock()

	stream, err := listenQuic(d.cfg, d.logger, d.msink, d.mLabels)
	if err != nil {
		return err
	}

	d.lk.Lock()
	d.stream = stream
	d.lk.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		stream.acceptLoop(ctx, handler)
	}()

	ml, err := memberlist.Create(d.mlCfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}

	d.lk.Lock()
	d.ml = ml
	d.lk.Unlock()

	if len(d.cfg.Neighbours) > 0 {
		joined, err := ml.Join(d.cfg.Neighbours)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		d.logger.Info("cluster joined")
		if len(d.cfg.Neighbours) != joined {
			d.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(d.cfg.Neighbours),
			)
		}
	}
	return nil
}

// Join contacts more gossip members once started.
func (d *NetworkDiscovery) Join(addrs ...string) (int, error) {
	d.lk.Lock()
	ml := d.ml
	d.lk.Unlock()
	if ml == nil {
		return 0, ErrTransportClosed
	}
	n, err := ml.Join(addrs)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	return n, nil
}

// GossipAddr is the address other members can join us on.
func (d *NetworkDiscovery) GossipAddr() string {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.ml == nil {
		return ""
	}
	node := d.ml.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// Members returns the ids of the gossip members, ourself included.
func (d *NetworkDiscovery) Members() []string {
	d.lk.Lock()
	ml := d.ml
	d.lk.Unlock()
	if ml == nil {
		return nil
	}
	var ids []string
	for _, m := range ml.Members() {
		ids = append(ids, m.Name)
	}
	return ids
}

func (d *NetworkDiscovery) Close() error {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return nil
	}
	d.closed = true
	ml := d.ml
	stream := d.stream
	d.lk.Unlock()

	var err error
	if ml != nil {
		if lerr := ml.Leave(d.cfg.GracePeriod); lerr != nil {
			d.logger.Warn("could not leave cluster gracefully", LabelError.L(lerr))
		}
		err = ml.Shutdown()
	}
	if stream != nil {
		if serr := stream.close(); err == nil {
			err = serr
		}
	}
	d.wg.Wait()
	return err
}

func (d *NetworkDiscovery) localMeta() nodeMeta {
	d.lk.Lock()
	defer d.lk.Unlock()
	meta := nodeMeta{ID: d.cfg.NodeID}
	if d.stream != nil {
		meta.StreamPort = d.stream.port()
	}
	return meta
}

// shouldDial tells whether we are the side opening the connection to
// `remote`.
func shouldDial(self, remote string) bool {
	return self < remote
}

// memberJoined dials the member if it is our turn to.
func (d *NetworkDiscovery) memberJoined(node *memberlist.Node) {
	if node.Name == d.cfg.NodeID {
		return
	}

	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.ID == "" || meta.StreamPort == 0 {
		d.msink.IncrCounterWithLabels(MetricDiscoveryErrorCount, 1.0,
			withLabels(d.mLabels, LabelError.M("invalid_meta")))
		withLogNode(d.logger, node).Warn("ignoring member", LabelError.L(ErrDiscoveryMeta))
		return
	}
	if !shouldDial(d.cfg.NodeID, meta.ID) {
		return
	}

	d.lk.Lock()
	if d.closed || d.stream == nil {
		d.lk.Unlock()
		return
	}
	stream, handler, ctx := d.stream, d.handler, d.ctx
	d.wg.Add(1)
	d.lk.Unlock()

	addr := net.JoinHostPort(node.Addr.String(), strconv.Itoa(meta.StreamPort))
	go func() {
		defer d.wg.Done()
		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
		if err := stream.dial(dialCtx, addr, handler); err != nil {
			withLogNode(d.logger, node).Warn("could not connect to member", LabelError.L(err))
		}
	}()
}

// gossip receives membership events.
type gossip struct {
	d *NetworkDiscovery
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.d.logger, node).Info("member joined cluster")
	g.d.memberJoined(node)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.d.logger, node).Info("member left cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.d.logger, node).Debug("member updated")
}

// gossipDelegate advertises our QUIC port, we do not gossip anything
// else.
type gossipDelegate struct {
	d *NetworkDiscovery
}

func (g *gossipDelegate) NodeMeta(limit int) []byte {
	buf, err := json.Marshal(g.d.localMeta())
	if err != nil || len(buf) > limit {
		return nil
	}
	return buf
}

func (g *gossipDelegate) NotifyMsg([]byte)                           {}
func (g *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *gossipDelegate) LocalState(join bool) []byte                { return nil }
func (g *gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelNodeID.L(node.Name),
		slog.String("addr", node.Address()),
	)
}
