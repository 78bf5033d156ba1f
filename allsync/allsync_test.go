package allsync_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/insipx/smoldot/allsync"
	"github.com/insipx/smoldot/chain"
	"github.com/insipx/smoldot/header"
	"github.com/insipx/smoldot/proof"
	"github.com/stretchr/testify/require"
)

func genesis(n uint64) header.Header {
	return header.Header{Number: n, Hash: hashFor(n)}
}

func hashFor(n uint64) common.Hash {
	var h common.Hash
	h[31] = byte(n)
	h[30] = byte(n >> 8)
	return h
}

func child(parent header.Header) header.Header {
	n := parent.Number + 1
	return header.Header{Number: n, Hash: hashFor(n), ParentHash: parent.Hash}
}

func newMachine(start header.Header) *allsync.AllSync {
	return allsync.New(allsync.Config{
		ChainInformation: chain.Information{
			FinalizedBlockHeader: start,
			Finality:             chain.Finality{Kind: chain.FinalityGrandpa, AfterFinalizedBlockAuthoritiesSetID: 1},
		},
		BlocksRequestGranularity: 128,
		BlocksCapacity:           1024,
		DownloadAheadBlocks:      5000,
		HeaderVerifier:           proof.HeaderVerifier{},
		WarpSyncVerifier:         proof.WarpSyncVerifier{},
		StorageProofVerifier:     proof.StorageProofVerifier{},
		JustificationVerifier:    proof.JustificationVerifier{},
	})
}

func TestAddSourceIssuesBlocksRequest(t *testing.T) {
	m := newMachine(genesis(100))
	idle, ok := m.AsIdle()
	require.True(t, ok)

	sid, actions := idle.AddSource("peer-1", 150, hashFor(150))
	require.Len(t, actions, 1)
	require.Equal(t, allsync.ActionStart, actions[0].Kind)
	require.NotNil(t, actions[0].Blocks)
	require.Equal(t, sid, actions[0].SourceID)
	require.Equal(t, uint64(101), actions[0].Blocks.FirstBlockNumber)
	require.Equal(t, uint64(50), actions[0].Blocks.NumBlocks)
}

// S1: cold start, single peer, linear catch-up.
func TestScenarioColdStartLinearCatchup(t *testing.T) {
	m := newMachine(genesis(100))
	idle, _ := m.AsIdle()
	_, actions := idle.AddSource("peer-1", 150, hashFor(150))
	require.Len(t, actions, 1)
	reqID := actions[0].RequestID

	var blocks []allsync.BlockData
	prev := genesis(100)
	for n := uint64(101); n <= 150; n++ {
		h := child(prev)
		blocks = append(blocks, allsync.BlockData{ScaleEncodedHeader: header.Encode(h)})
		prev = h
	}

	resp := idle.BlocksRequestResponse(reqID, blocks, nil)
	require.Equal(t, allsync.BlocksResponseVerifyHeader, resp.Kind)

	sync := resp.Sync
	var sawBests []uint64
	for {
		verify, ok := sync.AsHeaderVerify()
		if !ok {
			break
		}
		out := verify.Perform(time.Now(), proof.HeaderVerifier{})
		require.NoError(t, out.Err)
		if out.IsNewBest {
			idleNow, _ := out.Sync.AsIdle()
			if idleNow != nil {
				sawBests = append(sawBests, idleNow.BestBlockHeader().Number)
			}
		}
		sync = out.Sync
	}

	idleFinal, ok := sync.AsIdle()
	require.True(t, ok)
	require.Equal(t, uint64(150), idleFinal.BestBlockHeader().Number)
	require.True(t, idleFinal.IsNearHeadOfChainHeuristic())

	// Monotonic (property 3).
	for i := 1; i < len(sawBests); i++ {
		require.GreaterOrEqual(t, sawBests[i], sawBests[i-1])
	}
}

// S2: disconnect during pending request.
func TestScenarioDisconnectDuringPendingRequest(t *testing.T) {
	m := newMachine(genesis(100))
	idle, _ := m.AsIdle()
	sid, actions := idle.AddSource("peer-1", 150, hashFor(150))
	require.Len(t, actions, 1)
	reqID := actions[0].RequestID

	cancelled, moreActions := idle.RemoveSource(sid)
	require.Equal(t, []allsync.RequestID{reqID}, cancelled)
	require.Empty(t, moreActions) // no sources left to dispatch to

	require.Panics(t, func() {
		idle.BlocksRequestResponse(reqID, nil, nil)
	})
}

// S3: warp-sync finalization jump.
func TestScenarioWarpSyncFinalizationJump(t *testing.T) {
	m := newMachine(genesis(0))
	idle, _ := m.AsIdle()
	_, actions := idle.AddSource("peer-1", 1_000_000, hashFor(1_000_000))
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].WarpSync)
	reqID := actions[0].RequestID

	target := header.Header{Number: 1_000_000, Hash: hashFor(1_000_000)}
	wp := proof.WarpSyncProof{TargetHeader: target, NextAuthoritySetID: 2}
	out := idle.GrandpaWarpSyncResponse(reqID, proof.EncodeWarpSyncProof(wp), nil)

	require.Equal(t, allsync.WarpSyncFinished, out.Kind)
	require.True(t, out.IsNewFinalized)
	require.True(t, out.IsNewBest)

	idleFinal, ok := out.Sync.AsIdle()
	require.True(t, ok)
	require.Equal(t, uint64(1_000_000), idleFinal.FinalizedBlockHeader().Number)
	require.Equal(t, uint64(2), idleFinal.AsChainInformation().Finality.AfterFinalizedBlockAuthoritiesSetID)
}

func TestWarpSyncTwoPhaseViaStorageGet(t *testing.T) {
	m := newMachine(genesis(0))
	idle, _ := m.AsIdle()
	_, actions := idle.AddSource("peer-1", 1_000_000, hashFor(1_000_000))
	warpReqID := actions[0].RequestID

	target := header.Header{Number: 1_000_000, Hash: hashFor(1_000_000)}
	root := proof.TrieRootFor([]byte("runtime-code"))
	wp := proof.WarpSyncProof{TargetHeader: target, NextAuthoritySetID: 7, StateTrieRoot: root, NeedsStorageKey: []byte(":code")}
	out := idle.GrandpaWarpSyncResponse(warpReqID, proof.EncodeWarpSyncProof(wp), nil)
	require.Equal(t, allsync.WarpSyncQueued, out.Kind)
	require.False(t, out.IsNewFinalized)
	require.Len(t, out.NextActions, 1)
	require.NotNil(t, out.NextActions[0].StorageGet)
	require.True(t, out.NextActions[0].StorageGet.FinishesWarpSync)

	storageReqID := out.NextActions[0].RequestID
	storageOut := idle.StorageGetResponse(storageReqID, [][]byte{proof.EncodeStorageProof([]byte("runtime-code"))}, nil)
	require.Equal(t, allsync.StorageGetWarpSyncFinished, storageOut.Kind)
	require.True(t, storageOut.IsNewFinalized)

	idleFinal, ok := storageOut.Sync.AsIdle()
	require.True(t, ok)
	require.Equal(t, uint64(1_000_000), idleFinal.FinalizedBlockHeader().Number)
}

func TestHeaderVerifyErrorDiscardsBatch(t *testing.T) {
	m := newMachine(genesis(100))
	idle, _ := m.AsIdle()
	_, actions := idle.AddSource("peer-1", 102, hashFor(102))
	reqID := actions[0].RequestID

	bad := header.Header{Number: 101, Hash: hashFor(999), ParentHash: hashFor(1)} // wrong parent
	resp := idle.BlocksRequestResponse(reqID, []allsync.BlockData{{ScaleEncodedHeader: header.Encode(bad)}}, nil)
	require.Equal(t, allsync.BlocksResponseVerifyHeader, resp.Kind)

	verify, ok := resp.Sync.AsHeaderVerify()
	require.True(t, ok)
	out := verify.Perform(time.Now(), proof.HeaderVerifier{})
	require.Error(t, out.Err)

	idleAfter, ok := out.Sync.AsIdle()
	require.True(t, ok)
	require.Equal(t, uint64(100), idleAfter.BestBlockHeader().Number)
}

func TestRemoveUnknownSourcePanics(t *testing.T) {
	m := newMachine(genesis(0))
	idle, _ := m.AsIdle()
	require.Panics(t, func() {
		idle.RemoveSource(allsync.SourceID(99))
	})
}

func TestBlockAnnounceDisjointQueuesBlocksRequest(t *testing.T) {
	m := newMachine(genesis(100))
	idle, _ := m.AsIdle()
	sid, initial := idle.AddSource("peer-1", 100, hashFor(100))
	require.Empty(t, initial) // peer has nothing new yet

	far := header.Header{Number: 110, Hash: hashFor(110), ParentHash: hashFor(109)}
	out := idle.BlockAnnounce(sid, header.Encode(far), true)
	require.Equal(t, allsync.BlockAnnounceDisjoint, out.Kind)
	require.Len(t, out.NextActions, 1)
	require.NotNil(t, out.NextActions[0].Blocks)
}

// Ordinary linear catch-up (S1's path) can finalize via a consumed
// justification, with no warp sync involved.
func TestLinearCatchupFinalizesViaJustification(t *testing.T) {
	m := newMachine(genesis(100))
	idle, _ := m.AsIdle()
	_, actions := idle.AddSource("peer-1", 103, hashFor(103))
	require.Len(t, actions, 1)
	reqID := actions[0].RequestID

	var blocks []allsync.BlockData
	prev := genesis(100)
	for n := uint64(101); n <= 103; n++ {
		h := child(prev)
		just := proof.EncodeJustification(h)
		blocks = append(blocks, allsync.BlockData{ScaleEncodedHeader: header.Encode(h), ScaleEncodedJustification: just})
		prev = h
	}

	resp := idle.BlocksRequestResponse(reqID, blocks, nil)
	require.Equal(t, allsync.BlocksResponseVerifyHeader, resp.Kind)

	sync := resp.Sync
	sawFinalized := false
	for {
		verify, ok := sync.AsHeaderVerify()
		if !ok {
			break
		}
		out := verify.Perform(time.Now(), proof.HeaderVerifier{})
		require.NoError(t, out.Err)
		require.NoError(t, out.JustificationErr)
		if out.IsNewFinalized {
			sawFinalized = true
		}
		sync = out.Sync
	}
	require.True(t, sawFinalized)

	idleFinal, ok := sync.AsIdle()
	require.True(t, ok)
	require.Equal(t, uint64(103), idleFinal.FinalizedBlockHeader().Number)
}

// When a block announcement widens the gap to a source's outstanding
// blocks request past BlocksCapacity, the machine supersedes that
// request with a Cancel action followed by a warp-sync start.
func TestBlockAnnounceSupersedesStaleBlocksRequestWithWarpSync(t *testing.T) {
	m := newMachine(genesis(0))
	idle, _ := m.AsIdle()
	sid, actions := idle.AddSource("peer-1", 500, hashFor(500))
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].Blocks)
	staleReqID := actions[0].RequestID

	far := header.Header{Number: 2000, Hash: hashFor(2000), ParentHash: hashFor(1999)}
	out := idle.BlockAnnounce(sid, header.Encode(far), true)
	require.Equal(t, allsync.BlockAnnounceDisjoint, out.Kind)
	require.Len(t, out.NextActions, 2)

	require.Equal(t, allsync.ActionCancel, out.NextActions[0].Kind)
	require.Equal(t, staleReqID, out.NextActions[0].RequestID)
	require.Equal(t, sid, out.NextActions[0].SourceID)

	require.Equal(t, allsync.ActionStart, out.NextActions[1].Kind)
	require.NotNil(t, out.NextActions[1].WarpSync)

	// The superseded request id no longer refers to anything live.
	require.Panics(t, func() {
		idle.BlocksRequestResponse(staleReqID, nil, nil)
	})
}
