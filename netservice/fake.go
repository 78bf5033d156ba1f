package netservice

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoResponder is returned by a Fake request method when the test has
// not installed a responder function for that request kind.
var ErrNoResponder = errors.New("netservice: fake has no responder installed")

// Fake is an in-process Service for tests, modelled on the style of the
// request-scheduler test doubles: a struct of overridable function
// fields plus a buffered event channel the test feeds directly.
type Fake struct {
	mu sync.Mutex

	events chan Event

	BlocksResponder          func(ctx context.Context, peer PeerID, req BlockRequest) ([]BlockResponseItem, error)
	GrandpaWarpSyncResponder func(ctx context.Context, peer PeerID, chainIndex int, startBlockHash common.Hash) ([]byte, error)
	StorageGetResponder      func(ctx context.Context, peer PeerID, chainIndex int, blockHash common.Hash, keys [][]byte) ([][]byte, error)

	grandpaState []setLocalGrandpaStateCall
}

type setLocalGrandpaStateCall struct {
	ChainIndex            int
	RoundNumber           uint64
	SetID                 uint64
	CommitFinalizedHeight uint64
}

// NewFake builds a Fake with a ready event channel of the given buffer
// capacity (tests should generally use a generous capacity since
// Emit never blocks the caller when the channel has headroom).
func NewFake(eventBuffer int) *Fake {
	return &Fake{events: make(chan Event, eventBuffer)}
}

func (f *Fake) Events() <-chan Event { return f.events }

// Emit pushes an event to the fake's event stream, for a test to drive
// the task under test.
func (f *Fake) Emit(e Event) { f.events <- e }

// Close terminates the event stream, as the real service does on
// shutdown.
func (f *Fake) Close() { close(f.events) }

func (f *Fake) BlocksRequest(ctx context.Context, peer PeerID, req BlockRequest) ([]BlockResponseItem, error) {
	if f.BlocksResponder == nil {
		return nil, ErrNoResponder
	}
	return f.BlocksResponder(ctx, peer, req)
}

func (f *Fake) GrandpaWarpSyncRequest(ctx context.Context, peer PeerID, chainIndex int, startBlockHash common.Hash) ([]byte, error) {
	if f.GrandpaWarpSyncResponder == nil {
		return nil, ErrNoResponder
	}
	return f.GrandpaWarpSyncResponder(ctx, peer, chainIndex, startBlockHash)
}

func (f *Fake) StorageGetRequest(ctx context.Context, peer PeerID, chainIndex int, blockHash common.Hash, keys [][]byte) ([][]byte, error) {
	if f.StorageGetResponder == nil {
		return nil, ErrNoResponder
	}
	return f.StorageGetResponder(ctx, peer, chainIndex, blockHash, keys)
}

func (f *Fake) SetLocalGrandpaState(chainIndex int, roundNumber uint64, setID uint64, commitFinalizedHeight uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grandpaState = append(f.grandpaState, setLocalGrandpaStateCall{chainIndex, roundNumber, setID, commitFinalizedHeight})
}

// LocalGrandpaStateCalls returns every SetLocalGrandpaState call
// recorded so far, for assertions.
func (f *Fake) LocalGrandpaStateCalls() []setLocalGrandpaStateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]setLocalGrandpaStateCall, len(f.grandpaState))
	copy(out, f.grandpaState)
	return out
}
