package caphub

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
)

// LocalService is a service instance hosted by this process.
type LocalService struct {
	reg        *ServiceRegistry
	id         string
	instanceID string
	instance   any
	metadata   atomic.Pointer[Metadata]

	// subscribers are the nodes receiving our events, only touched on
	// the registry loop.
	subscribers []string

	listeners listeners[Event]
}

func (s *LocalService) ID() string {
	return s.id
}

func (s *LocalService) InstanceID() string {
	return s.instanceID
}

// Instance returns the value given to `Register`.
func (s *LocalService) Instance() any {
	return s.instance
}

func (s *LocalService) Metadata() Metadata {
	return s.metadata.Load().Clone()
}

func (s *LocalService) Local() bool {
	return true
}

// Call runs `action` in the calling goroutine, arguments and result go
// through the same JSON encoding as remote calls.
func (s *LocalService) Call(ctx context.Context, action string, args ...any) (json.RawMessage, error) {
	raws, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return s.invoke(ctx, action, raws)
}

// OnEvent calls `fn` for every event emitted by this service.
func (s *LocalService) OnEvent(fn func(Event)) (cancel func()) {
	_, remove := s.listeners.add(fn)
	return func() { remove() }
}

// EmitEvent sends an event to every subscribed node, then calls the local
// listeners before returning.
func (s *LocalService) EmitEvent(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cannot encode event %s: %w", name, err)
	}
	ev := Event{
		Service:  s.id,
		Instance: s.instanceID,
		Name:     name,
		Payload:  raw,
	}

	reg := s.reg
	if lerr := reg.loop.do(func() {
		if reg.lookup(s.id) != Service(s) {
			err = fmt.Errorf("%w: %s", ErrUnknownService, s.id)
			return
		}
		msg := serviceEventMsg{
			Service:  s.id,
			Instance: s.instanceID,
			Name:     name,
			Payload:  raw,
		}
		for _, node := range s.subscribers {
			if serr := reg.network.Send(node, MsgServiceEvent, msg); serr == nil {
				reg.incr(MetricServiceEventOutCount, LabelServiceID.M(s.id))
			}
		}
	}); lerr != nil {
		return lerr
	}
	if err != nil {
		return err
	}
	s.listeners.emit(ev)
	return nil
}

// Subscribers returns the ids of the nodes receiving our events.
func (s *LocalService) Subscribers() []string {
	var subs []string
	_ = s.reg.loop.do(func() {
		subs = slices.Clone(s.subscribers)
	})
	return subs
}

// Refresh reads the metadata of the instance again and announces it.
func (s *LocalService) Refresh() error {
	var err error
	reg := s.reg
	if lerr := reg.loop.do(func() {
		if reg.lookup(s.id) != Service(s) {
			err = fmt.Errorf("%w: %s", ErrUnknownService, s.id)
			return
		}
		s.metadata.Store(ptr(s.describe()))
		err = reg.network.Broadcast(MsgServiceAvailable, s.definition())
	}); lerr != nil {
		return lerr
	}
	return err
}

// Remove is a shortcut for `ServiceRegistry.Remove`.
func (s *LocalService) Remove() error {
	return s.reg.Remove(s.id)
}

func (s *LocalService) invoke(ctx context.Context, action string, args []json.RawMessage) (json.RawMessage, error) {
	return invokeAction(ctx, s.instance, action, args)
}

func (s *LocalService) describe() Metadata {
	var md Metadata
	if provider, ok := s.instance.(MetadataProvider); ok {
		md = provider.ServiceMetadata()
	}
	if md.Name == "" {
		md.Name = s.id
	}
	if md.Parent == "" {
		md.Parent = s.reg.selfID
	}
	return md.normalize()
}

func (s *LocalService) definition() serviceDefMsg {
	return serviceDefMsg{
		ID:       s.id,
		Instance: s.instanceID,
		Metadata: *s.metadata.Load(),
	}
}

func (s *LocalService) subscribe(node string) {
	if !slices.Contains(s.subscribers, node) {
		s.subscribers = append(s.subscribers, node)
	}
}

func (s *LocalService) unsubscribe(node string) {
	s.subscribers = slices.DeleteFunc(s.subscribers, func(id string) bool {
		return id == node
	})
}
