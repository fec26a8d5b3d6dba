package caphub

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// RemoteService is a proxy for a service hosted by another node.
type RemoteService struct {
	reg   *ServiceRegistry
	id    string
	node  string
	state atomic.Pointer[remoteState]

	// pending and detached are only touched on the registry loop.
	pending  map[uint64]chan invokeResultMsg
	detached bool

	listeners listeners[Event]
}

type remoteState struct {
	instance string
	metadata Metadata
}

func newRemoteService(reg *ServiceRegistry, node string, def serviceDefMsg) *RemoteService {
	svc := &RemoteService{
		reg:     reg,
		id:      def.ID,
		node:    node,
		pending: make(map[uint64]chan invokeResultMsg),
	}
	svc.update(def)
	return svc
}

func (s *RemoteService) ID() string {
	return s.id
}

func (s *RemoteService) InstanceID() string {
	return s.state.Load().instance
}

// Node is the id of the node hosting the instance.
func (s *RemoteService) Node() string {
	return s.node
}

func (s *RemoteService) Metadata() Metadata {
	return s.state.Load().metadata.Clone()
}

func (s *RemoteService) Local() bool {
	return false
}

// Call sends an invocation to the hosting node and waits for its result.
// There is no timeout besides `ctx`: if the node disconnects before
// answering, the call only returns once `ctx` is done.
func (s *RemoteService) Call(ctx context.Context, action string, args ...any) (json.RawMessage, error) {
	raws, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}

	reg := s.reg
	resCh := make(chan invokeResultMsg, 1)
	var seq uint64
	if lerr := reg.loop.do(func() {
		if s.detached {
			err = ErrUnknownService
			return
		}
		reg.nextSeq++
		seq = reg.nextSeq
		s.pending[seq] = resCh
		err = reg.network.Send(s.node, MsgServiceInvoke, invokeMsg{
			Service:   s.id,
			Action:    action,
			Arguments: raws,
			Seq:       seq,
		})
		if err != nil {
			delete(s.pending, seq)
		}
	}); lerr != nil {
		return nil, lerr
	}
	if err != nil {
		return nil, err
	}
	reg.incr(MetricServiceInvokeOutCount, LabelServiceID.M(s.id), LabelAction.M(action))

	select {
	case res := <-resCh:
		if res.Error != nil {
			return nil, &RemoteError{Service: s.id, Reason: *res.Error}
		}
		return res.Result, nil
	case <-ctx.Done():
		reg.loop.post(func() { delete(s.pending, seq) })
		return nil, ctx.Err()
	}
}

// OnEvent calls `fn` for every event of the remote service. The first
// listener subscribes us to the hosting node, the last one to leave
// unsubscribes.
func (s *RemoteService) OnEvent(fn func(Event)) (cancel func()) {
	count, remove := s.listeners.add(fn)
	if count == 1 {
		s.sendSubscription(MsgServiceSubscribe)
	}
	return func() {
		if remove() == 0 {
			s.sendSubscription(MsgServiceUnsubscribe)
		}
	}
}

func (s *RemoteService) sendSubscription(typ string) {
	reg := s.reg
	reg.loop.post(func() {
		if s.detached {
			return
		}
		if err := reg.network.Send(s.node, typ, subscriptionMsg{Service: s.id}); err != nil {
			reg.logger.Warn("could not update subscription", LabelServiceID.L(s.id), LabelError.L(err))
		}
	})
}

// update is only called on the registry loop, pending calls are kept.
func (s *RemoteService) update(def serviceDefMsg) {
	s.state.Store(&remoteState{
		instance: def.Instance,
		metadata: def.Metadata.normalize(),
	})
}

// resolve completes the pending call `res` answers. It reports false if
// no call was waiting for it.
func (s *RemoteService) resolve(res invokeResultMsg) bool {
	ch, ok := s.pending[res.Seq]
	if !ok {
		return false
	}
	delete(s.pending, res.Seq)
	ch <- res
	return true
}

// detach marks the proxy as gone. Pending calls are left alone, they
// can only end through their context.
func (s *RemoteService) detach() {
	s.detached = true
}
