// Package lossychan implements the single-producer, single-consumer,
// capacity-one overwrite channel described in spec.md §4.4: Send never
// blocks; if the consumer hasn't drained the previous value, it is
// silently replaced by the new one. Closing the sender causes Recv to
// observe closure once the last value (if any) has been delivered.
//
// Grounded on the control-flow contract of the original's
// lossy_channel module (bin/wasm-node/rust/src/lossy_channel.rs is not
// itself in the retrieved pack, but its semantics are fully specified
// by spec.md §4.4 and exercised by sync_service.rs's best/finalized
// notification registries).
package lossychan

import "sync"

// Sender is the producer side. The zero value is not usable; obtain one
// from New.
type Sender[T any] struct {
	ch     *chanState[T]
}

// Receiver is the consumer side.
type Receiver[T any] struct {
	ch *chanState[T]
}

type chanState[T any] struct {
	mu     sync.Mutex
	value  T
	has    bool
	closed bool
	notify chan struct{}
}

// New creates a linked Sender/Receiver pair with capacity one.
func New[T any]() (Sender[T], Receiver[T]) {
	cs := &chanState[T]{notify: make(chan struct{}, 1)}
	return Sender[T]{ch: cs}, Receiver[T]{ch: cs}
}

// Send overwrites the pending value, if any, and never blocks. It is a
// no-op after Close.
func (s Sender[T]) Send(v T) {
	cs := s.ch
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.value = v
	cs.has = true
	cs.mu.Unlock()
	select {
	case cs.notify <- struct{}{}:
	default:
	}
}

// Close marks the channel closed. A later Recv drains any pending value
// first, then reports closure.
func (s Sender[T]) Close() {
	cs := s.ch
	cs.mu.Lock()
	cs.closed = true
	cs.mu.Unlock()
	select {
	case cs.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until a value is available or the sender is closed. ok is
// false only once the channel is closed and drained.
func (r Receiver[T]) Recv() (v T, ok bool) {
	for {
		cs := r.ch
		cs.mu.Lock()
		if cs.has {
			v, cs.has = cs.value, false
			var zero T
			cs.value = zero
			// Consume the readiness token left by Send so C() does not
			// report a value that has already been taken.
			select {
			case <-cs.notify:
			default:
			}
			cs.mu.Unlock()
			return v, true
		}
		if cs.closed {
			cs.mu.Unlock()
			return v, false
		}
		cs.mu.Unlock()
		<-cs.notify
	}
}

// C returns a channel that becomes ready whenever Recv would not block,
// for use in select statements alongside other event sources. Each
// receive on the returned channel must be followed by a call to Recv in
// the same select iteration semantics used by the sync task: C merely
// signals readiness, Recv performs the actual lossy dequeue.
func (r Receiver[T]) C() <-chan struct{} {
	return r.ch.notify
}
