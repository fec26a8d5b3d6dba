package caphub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type light struct {
	lk sync.Mutex
	on bool
}

func (l *light) On() bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.on = true
	return true
}

func (l *light) Off() {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.on = false
}

func (l *light) Brightness(ctx context.Context, level int) (int, error) {
	if level > 100 {
		return 0, errors.New("too bright")
	}
	return level, nil
}

func (l *light) Explode() {
	panic("boom")
}

func (l *light) ServiceMetadata() Metadata {
	return Metadata{
		Name:    "Kitchen light",
		Tags:    []string{"light", "kitchen", "light"},
		Actions: map[string]any{"on": "turns the light on"},
	}
}

// relay handles every action through its dispatcher.
type relay struct{}

func (relay) Dispatch(ctx context.Context, action string, args []json.RawMessage) (any, error) {
	return fmt.Sprintf("%s/%d", action, len(args)), nil
}

func newTestServiceRegistry(t *testing.T, n Network) *ServiceRegistry {
	t.Helper()
	reg := NewServiceRegistry(n, &RegistryConfig{LogHandler: testLogHandler(n.ID())})
	t.Cleanup(reg.Close)
	return reg
}

// newServicePair links two nodes, each with a service registry.
func newServicePair(t *testing.T) (a, b *ServiceRegistry) {
	t.Helper()
	trA := newTestTransport(t, "node-a")
	trB := newTestTransport(t, "node-b")
	a = newTestServiceRegistry(t, trA)
	b = newTestServiceRegistry(t, trB)
	requireLinked(t, trA, trB)
	return a, b
}

func requireService(t *testing.T, reg *ServiceRegistry, id string) Service {
	t.Helper()
	var svc Service
	require.Eventually(t, func() bool {
		var ok bool
		svc, ok = reg.Get(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "service %s never showed up", id)
	return svc
}

func remoteDef(id, instance string) serviceDefMsg {
	return serviceDefMsg{ID: id, Instance: instance, Metadata: Metadata{Name: id, Parent: "node-b"}}
}

func TestServiceRegistry_RemoteCall(t *testing.T) {
	a, b := newServicePair(t)
	_, err := b.Register("light-1", &light{})
	require.NoError(t, err)

	svc := requireService(t, a, "light-1")
	require.False(t, svc.Local())
	require.Equal(t, "Kitchen light", svc.Metadata().Name)
	require.Equal(t, []string{"kitchen", "light"}, svc.Metadata().Tags)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	on, err := CallAs[bool](ctx, svc, "on")
	require.NoError(t, err)
	require.True(t, on)

	level, err := CallAs[int](ctx, svc, "brightness", 42)
	require.NoError(t, err)
	require.Equal(t, 42, level)

	_, err = svc.Call(ctx, "brightness", 101)
	require.ErrorIs(t, err, ErrRemoteCall)
	require.EqualError(t, err, "too bright")

	_, err = svc.Call(ctx, "explode")
	require.ErrorIs(t, err, ErrRemoteCall)
	require.EqualError(t, err, "boom")
}

func TestServiceRegistry_MissingAction(t *testing.T) {
	a, b := newServicePair(t)
	_, err := b.Register("light-1", &light{})
	require.NoError(t, err)
	svc := requireService(t, a, "light-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = svc.Call(ctx, "missing")
	require.ErrorIs(t, err, ErrRemoteCall)
	require.EqualError(t, err, "No action named missing")

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, "light-1", remoteErr.Service)
}

func TestServiceRegistry_ServicesKnownBeforeLinking(t *testing.T) {
	trA := newTestTransport(t, "node-a")
	trB := newTestTransport(t, "node-b")
	a := newTestServiceRegistry(t, trA)
	b := newTestServiceRegistry(t, trB)

	_, err := b.Register("light-1", &light{})
	require.NoError(t, err)
	_, err = a.Register("relay-1", relay{})
	require.NoError(t, err)

	requireLinked(t, trA, trB)

	requireService(t, a, "light-1")
	svc := requireService(t, b, "relay-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := CallAs[string](ctx, svc, "anything", 1, "two")
	require.NoError(t, err)
	require.Equal(t, "anything/2", res)
}

func TestServiceRegistry_EventsReachSubscribersOnce(t *testing.T) {
	a, b := newServicePair(t)
	local, err := b.Register("light-1", &light{})
	require.NoError(t, err)
	svc := requireService(t, a, "light-1")

	var (
		lk     sync.Mutex
		events []Event
	)
	cancel := svc.OnEvent(func(ev Event) {
		lk.Lock()
		defer lk.Unlock()
		events = append(events, ev)
	})
	// A second listener must not subscribe twice.
	cancelOther := svc.OnEvent(func(Event) {})

	require.Eventually(t, func() bool {
		return slices.Equal(local.Subscribers(), []string{"node-a"})
	}, 2*time.Second, 10*time.Millisecond)

	var localEvents []Event
	local.OnEvent(func(ev Event) { localEvents = append(localEvents, ev) })

	require.NoError(t, local.EmitEvent("changed", map[string]bool{"on": true}))

	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	lk.Lock()
	require.Len(t, events, 1)
	ev := events[0]
	lk.Unlock()

	require.Equal(t, "light-1", ev.Service)
	require.Equal(t, local.InstanceID(), ev.Instance)
	require.Equal(t, "changed", ev.Name)
	var payload map[string]bool
	require.NoError(t, ev.Decode(&payload))
	require.True(t, payload["on"])

	flushNotifications(t, &b.registry)
	require.Len(t, localEvents, 1)

	cancel()
	require.Equal(t, []string{"node-a"}, local.Subscribers())
	cancelOther()
	require.Eventually(t, func() bool {
		return len(local.Subscribers()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceRegistry_RemovalPropagates(t *testing.T) {
	a, b := newServicePair(t)
	local, err := b.Register("light-1", &light{})
	require.NoError(t, err)
	requireService(t, a, "light-1")

	gone := make(chan Service, 1)
	a.OnServiceUnavailable(func(svc Service) { gone <- svc })

	require.NoError(t, local.Remove())
	select {
	case svc := <-gone:
		require.Equal(t, "light-1", svc.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("removal was not propagated")
	}
	_, ok := a.Get("light-1")
	require.False(t, ok)

	require.ErrorIs(t, b.Remove("light-1"), ErrUnknownService)
}

func TestServiceRegistry_UnknownServiceInvocation(t *testing.T) {
	n := newMockNetwork("node-a", "node-b")
	reason := unknownServiceReason
	n.m.On("Send", "node-b", MsgServiceInvokeRes, invokeResultMsg{
		Service: "nope",
		Seq:     7,
		Error:   &reason,
	}).Return(nil).Once()
	reg := newTestServiceRegistry(t, n)

	onLoop(t, &reg.registry, func() {
		reg.handleInvoke(n.node("node-b"), invokeMsg{Service: "nope", Action: "on", Seq: 7})
	})
	n.m.AssertExpectations(t)
}

func TestServiceRegistry_UnknownServiceReply(t *testing.T) {
	n := newMockNetwork("node-a", "node-b")
	reg := newTestServiceRegistry(t, n)

	reason := unknownServiceReason
	n.m.On("Send", "node-b", MsgServiceInvoke, mock.Anything).Run(func(args mock.Arguments) {
		inv := args.Get(2).(invokeMsg)
		reg.loop.post(func() {
			reg.handleInvokeResult(n.node("node-b"), invokeResultMsg{Service: inv.Service, Seq: inv.Seq, Error: &reason})
		})
	}).Return(nil)

	onLoop(t, &reg.registry, func() { reg.handleAvailable(n.node("node-b"), remoteDef("light-1", "b:1")) })
	svc, ok := reg.Get("light-1")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := svc.Call(ctx, "on")
	require.ErrorIs(t, err, ErrUnknownService)
	require.ErrorIs(t, err, ErrRemoteCall)
}

func TestServiceRegistry_DisconnectBeforeReply(t *testing.T) {
	n := newMockNetwork("node-a", "node-b")
	reg := newTestServiceRegistry(t, n)

	n.m.On("Send", "node-b", MsgServiceInvoke, mock.Anything).Run(func(mock.Arguments) {
		reg.loop.post(func() { reg.nodeUnavailable(n.node("node-b")) })
	}).Return(nil)

	onLoop(t, &reg.registry, func() { reg.handleAvailable(n.node("node-b"), remoteDef("light-1", "b:1")) })
	svc, _ := reg.Get("light-1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := svc.Call(ctx, "on")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := reg.Get("light-1")
	require.False(t, ok)

	// The proxy is detached, new calls fail right away.
	_, err = svc.Call(context.Background(), "on")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestServiceRegistry_UpdateKeepsPendingCalls(t *testing.T) {
	n := newMockNetwork("node-a", "node-b")
	reg := newTestServiceRegistry(t, n)

	seqCh := make(chan uint64, 1)
	n.m.On("Send", "node-b", MsgServiceInvoke, mock.Anything).Run(func(args mock.Arguments) {
		seqCh <- args.Get(2).(invokeMsg).Seq
	}).Return(nil)

	onLoop(t, &reg.registry, func() { reg.handleAvailable(n.node("node-b"), remoteDef("light-1", "b:1")) })
	svc, _ := reg.Get("light-1")

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := svc.Call(ctx, "on")
		done <- outcome{res, err}
	}()

	var seq uint64
	select {
	case seq = <-seqCh:
	case <-time.After(time.Second):
		t.Fatal("invocation was never sent")
	}

	updated := remoteDef("light-1", "b:2")
	updated.Metadata.Tags = []string{"light"}
	onLoop(t, &reg.registry, func() {
		reg.handleAvailable(n.node("node-b"), updated)
		reg.handleInvokeResult(n.node("node-b"), invokeResultMsg{Service: "light-1", Seq: seq, Result: json.RawMessage("true")})
	})

	out := <-done
	require.NoError(t, out.err)
	require.JSONEq(t, "true", string(out.res))

	same, _ := reg.Get("light-1")
	require.Same(t, svc.(*RemoteService), same.(*RemoteService))
	require.Equal(t, "b:2", svc.InstanceID())
	require.True(t, svc.Metadata().HasTag("light"))
}

func TestServiceRegistry_UnmatchedResultIsDropped(t *testing.T) {
	n := newMockNetwork("node-a", "node-b")
	reg := newTestServiceRegistry(t, n)

	onLoop(t, &reg.registry, func() {
		reg.handleAvailable(n.node("node-b"), remoteDef("light-1", "b:1"))
		reg.handleInvokeResult(n.node("node-b"), invokeResultMsg{Service: "light-1", Seq: 42, Result: json.RawMessage("1")})
		reg.handleInvokeResult(n.node("node-b"), invokeResultMsg{Service: "ghost", Seq: 1})
	})

	svc, _ := reg.Get("light-1")
	var pending int
	onLoop(t, &reg.registry, func() {
		pending = len(svc.(*RemoteService).pending)
	})
	require.Zero(t, pending)
}

func TestServiceRegistry_AnnouncementsFromOtherNodesAreIgnored(t *testing.T) {
	n := newMockNetwork("node-a", "node-b", "node-c")
	reg := newTestServiceRegistry(t, n)

	onLoop(t, &reg.registry, func() {
		reg.handleAvailable(n.node("node-b"), remoteDef("light-1", "b:1"))
		reg.handleAvailable(n.node("node-c"), remoteDef("light-1", "c:1"))
		reg.handleUnavailable(n.node("node-c"), remoteDef("light-1", "c:1"))
	})

	svc, ok := reg.Get("light-1")
	require.True(t, ok)
	require.Equal(t, "node-b", svc.(*RemoteService).Node())
	require.Equal(t, "b:1", svc.InstanceID())
}

func TestServiceRegistry_NameConflict(t *testing.T) {
	n := newMockNetwork("node-a")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	_, err := reg.Register("light-1", &light{})
	require.NoError(t, err)
	_, err = reg.Register("light-1", &light{})
	require.ErrorIs(t, err, ErrNameConflict)

	_, err = reg.Register("", &light{})
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = reg.Register("light-2", nil)
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestServiceRegistry_LocalShadowsRemote(t *testing.T) {
	n := newMockNetwork("node-a", "node-b")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	var (
		lk          sync.Mutex
		unavailable []Service
	)
	reg.OnServiceUnavailable(func(svc Service) {
		lk.Lock()
		defer lk.Unlock()
		unavailable = append(unavailable, svc)
	})

	onLoop(t, &reg.registry, func() { reg.handleAvailable(n.node("node-b"), remoteDef("light-1", "b:1")) })
	remote, _ := reg.Get("light-1")

	local, err := reg.Register("light-1", &light{})
	require.NoError(t, err)

	onLoop(t, &reg.registry, func() { reg.handleAvailable(n.node("node-b"), remoteDef("light-1", "b:2")) })

	svc, ok := reg.Get("light-1")
	require.True(t, ok)
	require.Same(t, local, svc.(*LocalService))

	flushNotifications(t, &reg.registry)
	lk.Lock()
	defer lk.Unlock()
	require.Len(t, unavailable, 1)
	require.Same(t, remote.(*RemoteService), unavailable[0].(*RemoteService))
}

func TestServiceRegistry_NodeUnavailableCleansUp(t *testing.T) {
	n := newMockNetwork("node-a", "node-b", "node-c")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	local, err := reg.Register("light-1", &light{})
	require.NoError(t, err)
	onLoop(t, &reg.registry, func() {
		reg.handleAvailable(n.node("node-b"), remoteDef("light-2", "b:1"))
		reg.handleAvailable(n.node("node-b"), remoteDef("light-3", "b:2"))
		reg.handleAvailable(n.node("node-c"), remoteDef("light-4", "c:1"))
		reg.handleSubscribe(n.node("node-b"), subscriptionMsg{Service: "light-1"})
		reg.handleSubscribe(n.node("node-c"), subscriptionMsg{Service: "light-1"})
	})
	require.Equal(t, []string{"node-b", "node-c"}, local.Subscribers())

	onLoop(t, &reg.registry, func() { reg.nodeUnavailable(n.node("node-b")) })

	var ids []string
	for _, svc := range reg.List() {
		ids = append(ids, svc.ID())
	}
	require.Equal(t, []string{"light-1", "light-4"}, ids)
	require.Equal(t, []string{"node-c"}, local.Subscribers())
}

func TestServiceRegistry_NodeAvailableReceivesLocalServices(t *testing.T) {
	n := newMockNetwork("node-a", "node-b")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	local, err := reg.Register("light-1", &light{})
	require.NoError(t, err)
	onLoop(t, &reg.registry, func() {
		reg.handleAvailable(n.node("node-b"), remoteDef("light-2", "b:1"))
		reg.nodeAvailable(n.node("node-c"))
	})

	n.m.AssertCalled(t, "Send", "node-c", MsgServiceAvailable, local.definition())
	n.m.AssertNumberOfCalls(t, "Send", 1)
}

func TestServiceRegistry_EmitEventToSubscribers(t *testing.T) {
	n := newMockNetwork("node-a", "node-b", "node-c")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	local, err := reg.Register("light-1", &light{})
	require.NoError(t, err)
	onLoop(t, &reg.registry, func() {
		reg.handleSubscribe(n.node("node-b"), subscriptionMsg{Service: "light-1"})
		reg.handleSubscribe(n.node("node-b"), subscriptionMsg{Service: "light-1"})
	})

	require.NoError(t, local.EmitEvent("changed", 1))
	n.m.AssertCalled(t, "Send", "node-b", MsgServiceEvent, serviceEventMsg{
		Service:  "light-1",
		Instance: local.InstanceID(),
		Name:     "changed",
		Payload:  json.RawMessage("1"),
	})
	n.m.AssertNotCalled(t, "Send", "node-c", MsgServiceEvent, mock.Anything)

	onLoop(t, &reg.registry, func() {
		reg.handleUnsubscribe(n.node("node-b"), subscriptionMsg{Service: "light-1"})
	})
	require.Empty(t, local.Subscribers())

	require.NoError(t, local.Remove())
	require.ErrorIs(t, local.EmitEvent("changed", 2), ErrUnknownService)
}

func TestServiceRegistry_EmitEventCallsLocalListeners(t *testing.T) {
	n := newMockNetwork("node-a")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	// A slow listener holds the notification queue.
	release := make(chan struct{})
	defer close(release)
	reg.OnServiceAvailable(func(Service) { <-release })

	local, err := reg.Register("light-1", &light{})
	require.NoError(t, err)

	var calls atomic.Int32
	var got Event
	local.OnEvent(func(ev Event) {
		got = ev
		calls.Add(1)
	})

	require.NoError(t, local.EmitEvent("state-changed", map[string]bool{"on": true}))
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, "state-changed", got.Name)
	var payload map[string]bool
	require.NoError(t, got.Decode(&payload))
	require.True(t, payload["on"])
}

func TestServiceRegistry_LocalCall(t *testing.T) {
	n := newMockNetwork("node-a")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	local, err := reg.Register("light-1", &light{})
	require.NoError(t, err)
	require.True(t, local.Local())

	level, err := CallAs[int](context.Background(), local, "Brightness", 7)
	require.NoError(t, err)
	require.Equal(t, 7, level)

	_, err = local.Call(context.Background(), "missing")
	var unknown *UnknownActionError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "missing", unknown.Action)
}

func TestServiceRegistry_MetadataDefaultsAndFind(t *testing.T) {
	n := newMockNetwork("node-a")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	kitchen, err := reg.Register("light-1", &light{})
	require.NoError(t, err)
	plain, err := reg.Register("relay-1", relay{})
	require.NoError(t, err)

	require.Equal(t, "relay-1", plain.Metadata().Name)
	require.Equal(t, "node-a", plain.Metadata().Parent)
	require.Equal(t, "node-a", kitchen.Metadata().Parent)

	found := reg.Find("light", "kitchen")
	require.Len(t, found, 1)
	require.Equal(t, "light-1", found[0].ID())
	require.Len(t, reg.Find(), 2)
	require.Len(t, reg.Scan("relay"), 1)
}

func TestServiceRegistry_Refresh(t *testing.T) {
	n := newMockNetwork("node-a")
	permissive(n)
	reg := newTestServiceRegistry(t, n)

	local, err := reg.Register("light-1", &light{})
	require.NoError(t, err)
	require.NoError(t, local.Refresh())
	n.m.AssertNumberOfCalls(t, "Broadcast", 2)

	require.NoError(t, local.Remove())
	require.ErrorIs(t, local.Refresh(), ErrUnknownService)
}
