package caphub

import (
	"log/slog"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
)

// RegistryConfig is shared by the device and service registries.
type RegistryConfig struct {
	// MetricsLabels to add to every metrics emitted by the registry.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Network is what a registry needs from the transport.
type Network interface {
	ID() string
	Nodes() []*Node
	Send(nodeID string, typ string, v any) error
	Broadcast(typ string, v any) error
	Subscribe(l NodeListener) (unsubscribe func())
}

// registry holds what both registries share: the serial loop owning
// their state and an ordered queue delivering their notifications.
//
// Notifications never run on the loop so a listener may call back into
// any registry.
type registry struct {
	cfg     *RegistryConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	network Network
	selfID  string

	loop   *serialQueue
	notify *serialQueue

	unsubscribe func()
}

func newRegistry(network Network, cfg *RegistryConfig, kind string) registry {
	if cfg == nil {
		cfg = &RegistryConfig{}
	}
	r := registry{
		cfg:     cfg,
		network: network,
		selfID:  network.ID(),
		loop:    newSerialQueue(),
		notify:  newSerialQueue(),
	}

	if cfg.LogHandler == nil {
		r.logger = slog.Default()
	} else {
		r.logger = slog.New(cfg.LogHandler)
	}
	r.logger = r.logger.With("registry", kind)

	if cfg.MetricSink == nil {
		r.msink = &metrics.BlackholeSink{}
	} else {
		r.msink = cfg.MetricSink
	}
	return r
}

func (r *registry) incr(key []string, labels ...metrics.Label) {
	r.msink.IncrCounterWithLabels(key, 1.0, withLabels(r.cfg.MetricLabels, labels...))
}

func (r *registry) close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.loop.close()
	r.notify.close()
}

// otherNodes lists the connected nodes not named in `except`.
func (r *registry) otherNodes(except ...string) []string {
	var ids []string
	for _, node := range r.network.Nodes() {
		skip := false
		for _, id := range except {
			if node.ID() == id {
				skip = true
				break
			}
		}
		if !skip {
			ids = append(ids, node.ID())
		}
	}
	return ids
}

// table is a persistent radix tree. Only the registry loop writes to it,
// readers load the last committed snapshot without synchronizing with the
// loop.
type table[T any] struct {
	tree atomic.Pointer[iradix.Tree]
}

func newTable[T any]() *table[T] {
	t := &table[T]{}
	t.tree.Store(iradix.New())
	return t
}

func (t *table[T]) get(id string) (val T, ok bool) {
	raw, ok := t.tree.Load().Get([]byte(id))
	if !ok {
		return val, false
	}
	return raw.(T), true
}

func (t *table[T]) put(id string, val T) {
	tree, _, _ := t.tree.Load().Insert([]byte(id), val)
	t.tree.Store(tree)
}

func (t *table[T]) delete(id string) (val T, ok bool) {
	tree, raw, ok := t.tree.Load().Delete([]byte(id))
	if !ok {
		return val, false
	}
	t.tree.Store(tree)
	return raw.(T), true
}

func (t *table[T]) len() int {
	return t.tree.Load().Len()
}

// scan returns the values whose id starts with `prefix`, in id order.
func (t *table[T]) scan(prefix string) []T {
	var found []T
	t.tree.Load().Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		found = append(found, v.(T))
		return false
	})
	return found
}
