package caphub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Service is a handle on a service instance, hosted here or on another
// node.
type Service interface {
	// ID of the service, unique across every connected node.
	ID() string

	// InstanceID changes every time the service is registered again.
	InstanceID() string

	Metadata() Metadata

	// Call runs `action` with `args` and returns its JSON encoded result.
	Call(ctx context.Context, action string, args ...any) (json.RawMessage, error)

	// OnEvent calls `fn` for every event the service emits.
	OnEvent(fn func(Event)) (cancel func())

	// Local reports whether the instance lives in this process.
	Local() bool
}

// Event is emitted by a service.
type Event struct {
	Service  string
	Instance string
	Name     string
	Payload  json.RawMessage
}

// Decode unmarshals the payload of the event into `v`.
func (ev Event) Decode(v any) error {
	return json.Unmarshal(ev.Payload, v)
}

// CallAs calls `action` on `svc` and decodes the result into `T`.
func CallAs[T any](ctx context.Context, svc Service, action string, args ...any) (T, error) {
	var out T
	raw, err := svc.Call(ctx, action, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("cannot decode result of %s: %w", action, err)
	}
	return out, nil
}

// ServiceRegistry is a directory of the services hosted by any node we
// are connected to. It proxies calls and events to remote services and
// serves the calls targeting our own.
type ServiceRegistry struct {
	registry
	services    *table[Service]
	available   listeners[Service]
	unavailable listeners[Service]

	// nextSeq is only used on the loop.
	nextSeq uint64

	invokeCtx    context.Context
	invokeCancel context.CancelFunc
	invokeWg     sync.WaitGroup
}

func NewServiceRegistry(network Network, cfg *RegistryConfig) *ServiceRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	reg := &ServiceRegistry{
		registry:     newRegistry(network, cfg, "service"),
		services:     newTable[Service](),
		invokeCtx:    ctx,
		invokeCancel: cancel,
	}
	reg.unsubscribe = network.Subscribe(serviceListener{reg})
	return reg
}

// Register exposes `instance` as the service `id`. Its metadata comes
// from `MetadataProvider` if the instance implements it.
//
// A remote service with the same id is shadowed by ours. Registering an
// id we already host fails with `ErrNameConflict`.
func (reg *ServiceRegistry) Register(id string, instance any) (*LocalService, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if instance == nil {
		return nil, fmt.Errorf("%w: nil instance for %s", ErrInvalidCfg, id)
	}

	var (
		svc *LocalService
		err error
	)
	if lerr := reg.loop.do(func() {
		switch existing := reg.lookup(id).(type) {
		case *LocalService:
			err = fmt.Errorf("%w: %s", ErrNameConflict, id)
			return
		case *RemoteService:
			reg.dropRemote(existing)
		}

		svc = &LocalService{
			reg:        reg,
			id:         id,
			instanceID: reg.selfID + ":" + uuid.NewString(),
			instance:   instance,
		}
		svc.metadata.Store(ptr(svc.describe()))
		reg.services.put(id, svc)
		reg.incr(MetricServiceAvailableCount, LabelServiceID.M(id))
		reg.logger.Info("service registered", LabelServiceID.L(id))

		if err := reg.network.Broadcast(MsgServiceAvailable, svc.definition()); err != nil {
			reg.logger.Error("could not announce service", LabelServiceID.L(id), LabelError.L(err))
		}
		reg.emitAvailable(svc)
	}); lerr != nil {
		return nil, lerr
	}
	return svc, err
}

// Remove stops exposing one of our services.
func (reg *ServiceRegistry) Remove(id string) error {
	var err error
	if lerr := reg.loop.do(func() {
		svc, ok := reg.lookup(id).(*LocalService)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownService, id)
			return
		}
		reg.services.delete(id)
		reg.incr(MetricServiceUnavailableCount, LabelServiceID.M(id))
		reg.logger.Info("service removed", LabelServiceID.L(id))
		_ = reg.network.Broadcast(MsgServiceUnavailable, svc.definition())
		reg.emitUnavailable(svc)
	}); lerr != nil {
		return lerr
	}
	return err
}

// Get returns the service named `id`.
func (reg *ServiceRegistry) Get(id string) (Service, bool) {
	return reg.services.get(id)
}

// List returns every known service ordered by id.
func (reg *ServiceRegistry) List() []Service {
	return reg.services.scan("")
}

// Scan returns the services whose id starts with `prefix`.
func (reg *ServiceRegistry) Scan(prefix string) []Service {
	return reg.services.scan(prefix)
}

// Find returns the services carrying every tag of `tags`.
func (reg *ServiceRegistry) Find(tags ...string) []Service {
	var found []Service
	for _, svc := range reg.services.scan("") {
		if svc.Metadata().Matches(tags...) {
			found = append(found, svc)
		}
	}
	return found
}

// OnServiceAvailable calls `fn` for every service appearing.
func (reg *ServiceRegistry) OnServiceAvailable(fn func(Service)) (cancel func()) {
	_, remove := reg.available.add(fn)
	return func() { remove() }
}

// OnServiceUnavailable calls `fn` for every service disappearing.
func (reg *ServiceRegistry) OnServiceUnavailable(fn func(Service)) (cancel func()) {
	_, remove := reg.unavailable.add(fn)
	return func() { remove() }
}

// Close stops the registry. Calls still waiting for a remote result are
// left to their context, running local invocations see their context
// cancelled.
func (reg *ServiceRegistry) Close() {
	reg.invokeCancel()
	reg.close()
	reg.invokeWg.Wait()
}

func (reg *ServiceRegistry) lookup(id string) Service {
	svc, ok := reg.services.get(id)
	if !ok {
		return nil
	}
	return svc
}

func (reg *ServiceRegistry) emitAvailable(svc Service) {
	reg.notify.post(func() { reg.available.emit(svc) })
}

func (reg *ServiceRegistry) emitUnavailable(svc Service) {
	reg.notify.post(func() { reg.unavailable.emit(svc) })
}

func (reg *ServiceRegistry) dropRemote(svc *RemoteService) {
	reg.services.delete(svc.id)
	svc.detach()
	reg.incr(MetricServiceUnavailableCount, LabelServiceID.M(svc.id))
	reg.logger.Debug("remote service unavailable", LabelServiceID.L(svc.id), LabelNodeID.L(svc.node))
	reg.emitUnavailable(svc)
}

func (reg *ServiceRegistry) handleAvailable(from *Node, def serviceDefMsg) {
	switch existing := reg.lookup(def.ID).(type) {
	case *LocalService:
		reg.logger.Debug("ignoring remote announcement of a local service", LabelServiceID.L(def.ID))
	case *RemoteService:
		if existing.node != from.ID() {
			reg.logger.Debug("ignoring announcement of a service known from another node",
				LabelServiceID.L(def.ID), LabelNodeID.L(from.ID()))
			return
		}
		existing.update(def)
	default:
		svc := newRemoteService(reg, from.ID(), def)
		reg.services.put(def.ID, svc)
		reg.incr(MetricServiceAvailableCount, LabelServiceID.M(def.ID))
		reg.logger.Debug("remote service available", LabelServiceID.L(def.ID), LabelNodeID.L(from.ID()))
		reg.emitAvailable(svc)
	}
}

func (reg *ServiceRegistry) handleUnavailable(from *Node, def serviceDefMsg) {
	svc, ok := reg.lookup(def.ID).(*RemoteService)
	if !ok || svc.node != from.ID() {
		return
	}
	reg.dropRemote(svc)
}

func (reg *ServiceRegistry) handleSubscribe(from *Node, sub subscriptionMsg) {
	if svc, ok := reg.lookup(sub.Service).(*LocalService); ok {
		svc.subscribe(from.ID())
	}
}

func (reg *ServiceRegistry) handleUnsubscribe(from *Node, sub subscriptionMsg) {
	if svc, ok := reg.lookup(sub.Service).(*LocalService); ok {
		svc.unsubscribe(from.ID())
	}
}

func (reg *ServiceRegistry) handleEvent(from *Node, ev serviceEventMsg) {
	svc, ok := reg.lookup(ev.Service).(*RemoteService)
	if !ok || svc.node != from.ID() {
		return
	}
	event := Event{
		Service:  ev.Service,
		Instance: ev.Instance,
		Name:     ev.Name,
		Payload:  ev.Payload,
	}
	reg.notify.post(func() { svc.listeners.emit(event) })
}

func (reg *ServiceRegistry) handleInvoke(from *Node, inv invokeMsg) {
	reg.incr(MetricServiceInvokeInCount, LabelServiceID.M(inv.Service), LabelAction.M(inv.Action))

	svc, ok := reg.lookup(inv.Service).(*LocalService)
	if !ok {
		reason := unknownServiceReason
		reg.incr(MetricServiceInvokeErrorCount, LabelServiceID.M(inv.Service), LabelError.M("unknown_service"))
		_ = reg.network.Send(from.ID(), MsgServiceInvokeRes, invokeResultMsg{
			Service: inv.Service,
			Seq:     inv.Seq,
			Error:   &reason,
		})
		return
	}

	reg.invokeWg.Add(1)
	go func() {
		defer reg.invokeWg.Done()
		res := invokeResultMsg{Service: inv.Service, Seq: inv.Seq}
		result, err := svc.invoke(reg.invokeCtx, inv.Action, inv.Arguments)
		if err != nil {
			reason := err.Error()
			res.Error = &reason
			reg.incr(MetricServiceInvokeErrorCount, LabelServiceID.M(inv.Service), LabelAction.M(inv.Action))
			reg.logger.Debug("invocation failed",
				LabelServiceID.L(inv.Service), LabelAction.L(inv.Action), LabelSeq.L(inv.Seq), LabelError.L(err))
		} else {
			res.Result = result
		}
		if err := reg.network.Send(from.ID(), MsgServiceInvokeRes, res); err != nil {
			reg.logger.Error("could not send invocation result",
				LabelServiceID.L(inv.Service), LabelSeq.L(inv.Seq), LabelError.L(err))
		}
	}()
}

func (reg *ServiceRegistry) handleInvokeResult(from *Node, res invokeResultMsg) {
	svc, ok := reg.lookup(res.Service).(*RemoteService)
	if !ok || !svc.resolve(res) {
		reg.incr(MetricServiceResultDropped, LabelServiceID.M(res.Service))
		reg.logger.Debug("dropping unexpected invocation result",
			LabelServiceID.L(res.Service), LabelSeq.L(res.Seq), LabelNodeID.L(from.ID()))
	}
}

func (reg *ServiceRegistry) nodeAvailable(node *Node) {
	for _, svc := range reg.services.scan("") {
		if local, ok := svc.(*LocalService); ok {
			_ = reg.network.Send(node.ID(), MsgServiceAvailable, local.definition())
		}
	}
}

func (reg *ServiceRegistry) nodeUnavailable(node *Node) {
	for _, svc := range reg.services.scan("") {
		switch svc := svc.(type) {
		case *RemoteService:
			if svc.node == node.ID() {
				reg.dropRemote(svc)
			}
		case *LocalService:
			svc.unsubscribe(node.ID())
		}
	}
}

// serviceListener feeds the registry loop from the transport.
type serviceListener struct {
	reg *ServiceRegistry
}

func (l serviceListener) NodeAvailable(node *Node) {
	l.reg.loop.post(func() { l.reg.nodeAvailable(node) })
}

func (l serviceListener) NodeUnavailable(node *Node) {
	l.reg.loop.post(func() { l.reg.nodeUnavailable(node) })
}

func (l serviceListener) HandleMessage(msg Message) {
	reg := l.reg
	from := msg.ReturnPath

	var handle func()
	switch msg.Type {
	case MsgServiceAvailable, MsgServiceUnavailable:
		var def serviceDefMsg
		if !reg.decode(msg, &def) {
			return
		}
		if msg.Type == MsgServiceAvailable {
			handle = func() { reg.handleAvailable(from, def) }
		} else {
			handle = func() { reg.handleUnavailable(from, def) }
		}
	case MsgServiceSubscribe, MsgServiceUnsubscribe:
		var sub subscriptionMsg
		if !reg.decode(msg, &sub) {
			return
		}
		if msg.Type == MsgServiceSubscribe {
			handle = func() { reg.handleSubscribe(from, sub) }
		} else {
			handle = func() { reg.handleUnsubscribe(from, sub) }
		}
	case MsgServiceEvent:
		var ev serviceEventMsg
		if !reg.decode(msg, &ev) {
			return
		}
		handle = func() { reg.handleEvent(from, ev) }
	case MsgServiceInvoke:
		var inv invokeMsg
		if !reg.decode(msg, &inv) {
			return
		}
		handle = func() { reg.handleInvoke(from, inv) }
	case MsgServiceInvokeRes:
		var res invokeResultMsg
		if !reg.decode(msg, &res) {
			return
		}
		handle = func() { reg.handleInvokeResult(from, res) }
	default:
		return
	}
	reg.loop.post(handle)
}

func (reg *ServiceRegistry) decode(msg Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		reg.logger.Warn("invalid service message", LabelMessageType.L(msg.Type), LabelError.L(err))
		return false
	}
	return true
}

func ptr[T any](v T) *T {
	return &v
}
