package caphub

import (
	"slices"
	"sync"
)

// serialQueue runs closures one at a time, in submission order, on a
// dedicated goroutine. Submitting never blocks: the queue is unbounded
// so a peer read loop can hand work to a registry without waiting on it.
type serialQueue struct {
	lk      sync.Mutex
	queue   []func()
	closed  bool
	wakeCh  chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go q.run()
	return q
}

// post enqueues `fn`. It returns false once the queue is closed.
func (q *serialQueue) post(fn func()) bool {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return false
	}
	q.queue = append(q.queue, fn)
	q.lk.Unlock()

	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
	return true
}

// do runs `fn` on the queue and waits for it. It MUST NOT be called from
// a closure already running on the same queue.
func (q *serialQueue) do(fn func()) error {
	done := make(chan struct{})
	if !q.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrRegistryClosed
	}

	select {
	case <-done:
		return nil
	case <-q.doneCh:
		select {
		case <-done:
			return nil
		default:
			return ErrRegistryClosed
		}
	}
}

// close stops accepting work. Closures already queued still run before
// the loop exits.
func (q *serialQueue) close() {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		<-q.doneCh
		return
	}
	q.closed = true
	q.lk.Unlock()

	close(q.closeCh)
	<-q.doneCh
}

func (q *serialQueue) run() {
	defer close(q.doneCh)
	for {
		q.lk.Lock()
		batch := q.queue
		q.queue = nil
		closed := q.closed
		q.lk.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-q.wakeCh:
		case <-q.closeCh:
		}
	}
}

// listeners is a copy-on-write list of callbacks.
type listeners[T any] struct {
	lk    sync.Mutex
	next  uint64
	items []listenerItem[T]
}

type listenerItem[T any] struct {
	id uint64
	fn func(T)
}

// add registers `fn` and returns how many listeners there are now with
// a function removing it. Removal reports how many are left, or -1 when
// it was already removed.
func (l *listeners[T]) add(fn func(T)) (int, func() int) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.next++
	id := l.next
	l.items = append(slices.Clip(l.items), listenerItem[T]{id: id, fn: fn})

	return len(l.items), func() int {
		l.lk.Lock()
		defer l.lk.Unlock()
		before := len(l.items)
		l.items = slices.DeleteFunc(slices.Clone(l.items), func(it listenerItem[T]) bool {
			return it.id == id
		})
		if len(l.items) == before {
			return -1
		}
		return len(l.items)
	}
}

func (l *listeners[T]) len() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return len(l.items)
}

func (l *listeners[T]) emit(v T) {
	l.lk.Lock()
	items := l.items
	l.lk.Unlock()
	for _, it := range items {
		it.fn(v)
	}
}
