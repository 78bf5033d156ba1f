package syncservice_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/require"

	"github.com/insipx/smoldot/chain"
	"github.com/insipx/smoldot/header"
	"github.com/insipx/smoldot/lossychan"
	"github.com/insipx/smoldot/netservice"
	"github.com/insipx/smoldot/proof"
	"github.com/insipx/smoldot/syncservice"
)

func hashFor(n uint64) common.Hash {
	var h common.Hash
	h[31] = byte(n)
	h[30] = byte(n >> 8)
	return h
}

func genesisHeader(n uint64) header.Header {
	return header.Header{Number: n, Hash: hashFor(n)}
}

func childHeader(parent header.Header) header.Header {
	n := parent.Number + 1
	return header.Header{Number: n, Hash: hashFor(n), ParentHash: parent.Hash}
}

func goExecutor(fn func()) { go fn() }

func newTestRelayHandle(start header.Header, net netservice.Service) *syncservice.Handle {
	return syncservice.NewRelay(syncservice.Config{
		ChainIndex: 0,
		ChainInformation: chain.Information{
			FinalizedBlockHeader: start,
			Finality:             chain.Finality{Kind: chain.FinalityGrandpa, AfterFinalizedBlockAuthoritiesSetID: 1},
		},
		NetworkService:        net,
		HeaderVerifier:        proof.HeaderVerifier{},
		WarpSyncVerifier:      proof.WarpSyncVerifier{},
		StorageProofVerifier:  proof.StorageProofVerifier{},
		JustificationVerifier: proof.JustificationVerifier{},
		Executor:              goExecutor,
	})
}

// newTestRelayHandleWithClock is newTestRelayHandle with an injected
// clock, for tests that need to drive HeaderVerifier's timestamp-drift
// check deterministically (SPEC_FULL.md §3 "Clock").
func newTestRelayHandleWithClock(start header.Header, net netservice.Service, clock mclock.Clock) *syncservice.Handle {
	return syncservice.NewRelay(syncservice.Config{
		ChainIndex: 0,
		ChainInformation: chain.Information{
			FinalizedBlockHeader: start,
			Finality:             chain.Finality{Kind: chain.FinalityGrandpa, AfterFinalizedBlockAuthoritiesSetID: 1},
		},
		NetworkService:        net,
		HeaderVerifier:        proof.HeaderVerifier{},
		WarpSyncVerifier:      proof.WarpSyncVerifier{},
		StorageProofVerifier:  proof.StorageProofVerifier{},
		JustificationVerifier: proof.JustificationVerifier{},
		Executor:              goExecutor,
		Clock:                 clock,
	})
}

func recvWithTimeout(t *testing.T, r lossychan.Receiver[[]byte], d time.Duration) ([]byte, bool) {
	t.Helper()
	type result struct {
		v  []byte
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		v, ok := r.Recv()
		ch <- result{v, ok}
	}()
	select {
	case res := <-ch:
		return res.v, res.ok
	case <-time.After(d):
		t.Fatal("timed out waiting for notification")
		return nil, false
	}
}

// TestColdStartSinglePeerLinearCatchUp is spec.md §8 scenario S1.
func TestColdStartSinglePeerLinearCatchUp(t *testing.T) {
	net := netservice.NewFake(32)
	start := genesisHeader(100)
	h := newTestRelayHandle(start, net)

	_, bestRecv := h.SubscribeBest()

	want := make([]header.Header, 0, 50)
	prev := start
	for i := 0; i < 50; i++ {
		prev = childHeader(prev)
		want = append(want, prev)
	}

	net.BlocksResponder = func(_ context.Context, _ netservice.PeerID, req netservice.BlockRequest) ([]netservice.BlockResponseItem, error) {
		var items []netservice.BlockResponseItem
		for _, hd := range want {
			if hd.Number < req.FirstBlockNumber {
				continue
			}
			if uint64(len(items)) >= req.NumBlocks {
				break
			}
			items = append(items, netservice.BlockResponseItem{ScaleEncodedHeader: header.Encode(hd)})
		}
		return items, nil
	}

	net.Emit(netservice.Event{
		Kind: netservice.EventConnected, PeerID: "peer-1", ChainIndex: 0,
		BestBlockNumber: 150, BestBlockHash: hashFor(150),
	})

	lastNumber := uint64(100)
	for lastNumber < 150 {
		raw, ok := recvWithTimeout(t, bestRecv, 2*time.Second)
		require.True(t, ok)
		got, err := header.Decode(raw)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.Number, lastNumber, "notification regressed")
		lastNumber = got.Number
	}
	require.Equal(t, uint64(150), lastNumber)

	require.Eventually(t, func() bool {
		return h.IsNearHeadOfChainHeuristic()
	}, time.Second, time.Millisecond)
}

// TestDisconnectDuringPendingRequest is spec.md §8 scenario S2.
func TestDisconnectDuringPendingRequest(t *testing.T) {
	net := netservice.NewFake(32)
	start := genesisHeader(100)
	h := newTestRelayHandle(start, net)

	_, bestRecv := h.SubscribeBest()

	requested := make(chan struct{}, 1)
	net.BlocksResponder = func(ctx context.Context, _ netservice.PeerID, _ netservice.BlockRequest) ([]netservice.BlockResponseItem, error) {
		select {
		case requested <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	net.Emit(netservice.Event{
		Kind: netservice.EventConnected, PeerID: "peer-1", ChainIndex: 0,
		BestBlockNumber: 150, BestBlockHash: hashFor(150),
	})

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("blocks request never dispatched")
	}

	net.Emit(netservice.Event{Kind: netservice.EventDisconnected, PeerID: "peer-1", ChainIndex: 0})

	// No notification should ever arrive: the only source was dropped
	// before it produced a response.
	select {
	case <-bestRecv.C():
		t.Fatal("unexpected notification after disconnect")
	case <-time.After(100 * time.Millisecond):
	}

	require.False(t, h.IsNearHeadOfChainHeuristic())

	// The task must still be alive and able to make progress with a
	// fresh peer: proves the pending-request table and source set were
	// left consistent by the disconnect.
	net.BlocksResponder = func(_ context.Context, _ netservice.PeerID, req netservice.BlockRequest) ([]netservice.BlockResponseItem, error) {
		hd := childHeader(start)
		return []netservice.BlockResponseItem{{ScaleEncodedHeader: header.Encode(hd)}}, nil
	}
	net.Emit(netservice.Event{
		Kind: netservice.EventConnected, PeerID: "peer-2", ChainIndex: 0,
		BestBlockNumber: 101, BestBlockHash: hashFor(101),
	})
	raw, ok := recvWithTimeout(t, bestRecv, 2*time.Second)
	require.True(t, ok)
	got, err := header.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(101), got.Number)
}

// TestWarpSyncFinalizationJump is spec.md §8 scenario S3.
func TestWarpSyncFinalizationJump(t *testing.T) {
	net := netservice.NewFake(32)
	start := genesisHeader(0)
	h := newTestRelayHandle(start, net)

	_, finalizedRecv := h.SubscribeFinalized()

	target := header.Header{Number: 1_000_000, Hash: hashFor(1_000_000)}
	net.GrandpaWarpSyncResponder = func(_ context.Context, _ netservice.PeerID, _ int, _ common.Hash) ([]byte, error) {
		return proof.EncodeWarpSyncProof(proof.WarpSyncProof{
			TargetHeader:       target,
			NextAuthoritySetID: 7,
		}), nil
	}

	net.Emit(netservice.Event{
		Kind: netservice.EventConnected, PeerID: "peer-1", ChainIndex: 0,
		BestBlockNumber: 1_000_000, BestBlockHash: target.Hash,
	})

	raw, ok := recvWithTimeout(t, finalizedRecv, 2*time.Second)
	require.True(t, ok)
	got, err := header.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, target.Number, got.Number)

	require.Eventually(t, func() bool {
		calls := net.LocalGrandpaStateCalls()
		return len(calls) == 1 && calls[0].CommitFinalizedHeight == target.Number && calls[0].SetID == 7
	}, time.Second, time.Millisecond)
}

// TestHeaderVerificationUsesSimulatedClock proves HeaderVerifier's
// timestamp-drift check is actually driven by the task's injected
// clock: a header timestamped in the future is rejected until the
// simulated clock is advanced far enough to catch up to it.
func TestHeaderVerificationUsesSimulatedClock(t *testing.T) {
	clock := new(mclock.Simulated)
	net := netservice.NewFake(32)
	start := genesisHeader(100)
	h := newTestRelayHandleWithClock(start, net, clock)

	_, bestRecv := h.SubscribeBest()

	future := childHeader(start)
	future.Extra = proof.EncodeTimestamp(time.Unix(0, 0).Add(1000 * time.Second))

	var calls int32
	requested := make(chan struct{}, 1)
	ready := make(chan struct{})
	net.BlocksResponder = func(ctx context.Context, _ netservice.PeerID, _ netservice.BlockRequest) ([]netservice.BlockResponseItem, error) {
		n := atomic.AddInt32(&calls, 1)
		select {
		case requested <- struct{}{}:
		default:
		}
		if n > 1 {
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []netservice.BlockResponseItem{{ScaleEncodedHeader: header.Encode(future)}}, nil
	}

	net.Emit(netservice.Event{
		Kind: netservice.EventConnected, PeerID: "peer-1", ChainIndex: 0,
		BestBlockNumber: future.Number, BestBlockHash: future.Hash,
	})

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("blocks request never dispatched")
	}

	// The header's timestamp is far ahead of the clock's current
	// (zero) value, so verification must reject it and no best
	// notification should appear.
	select {
	case <-bestRecv.C():
		t.Fatal("unexpected notification before the clock caught up to the header's timestamp")
	case <-time.After(150 * time.Millisecond):
	}

	clock.Run(2000 * time.Second)
	close(ready)

	raw, ok := recvWithTimeout(t, bestRecv, 2*time.Second)
	require.True(t, ok)
	got, err := header.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, future.Number, got.Number)
}

// TestForeignChainEventIgnored is spec.md §8 scenario S6.
func TestForeignChainEventIgnored(t *testing.T) {
	net := netservice.NewFake(32)
	start := genesisHeader(100)
	h := newTestRelayHandle(start, net)

	_, bestRecv := h.SubscribeBest()

	net.BlocksResponder = func(context.Context, netservice.PeerID, netservice.BlockRequest) ([]netservice.BlockResponseItem, error) {
		t.Fatal("a blocks request must never be dispatched for a foreign-chain event")
		return nil, nil
	}

	net.Emit(netservice.Event{
		Kind: netservice.EventConnected, PeerID: "peer-1", ChainIndex: 1,
		BestBlockNumber: 150, BestBlockHash: hashFor(150),
	})

	select {
	case <-bestRecv.C():
		t.Fatal("unexpected notification from a foreign-chain event")
	case <-time.After(100 * time.Millisecond):
	}
	require.False(t, h.IsNearHeadOfChainHeuristic())
}
