package runtimeservice

import (
	"context"
	"sync"
)

// Fake is an in-process Service for tests.
type Fake struct {
	mu      sync.Mutex
	current BestBlockUpdate
	updates chan BestBlockUpdate
	closed  bool

	Caller func(ctx context.Context, name string, params []byte) ([]byte, error)
}

// NewFake builds a Fake whose initial best block is current.
func NewFake(current BestBlockUpdate) *Fake {
	return &Fake{current: current, updates: make(chan BestBlockUpdate, 16)}
}

func (f *Fake) SubscribeBest() (BestBlockUpdate, <-chan BestBlockUpdate, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.updates, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.closed {
			f.closed = true
			close(f.updates)
		}
	}
}

// PushBest feeds a new relay-chain best block to any active subscriber.
func (f *Fake) PushBest(update BestBlockUpdate) {
	f.mu.Lock()
	f.current = update
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		f.updates <- update
	}
}

func (f *Fake) RecentBestBlockRuntimeCall(ctx context.Context, name string, params []byte) ([]byte, error) {
	if f.Caller == nil {
		return nil, NewNetworkRuntimeCallError("runtimeservice: fake has no caller installed")
	}
	return f.Caller(ctx, name, params)
}
