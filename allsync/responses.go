package allsync

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/insipx/smoldot/header"
)

// BlockData is one block returned by a blocks request (spec.md §6).
// The header and the justification are consulted by this simplified
// automaton (the justification during HeaderVerify.Perform); the body
// rides along opaquely (neither executing blocks nor storing them is in
// scope, spec.md §1).
type BlockData struct {
	ScaleEncodedHeader        []byte
	ScaleEncodedJustification []byte
	ScaleEncodedBody          [][]byte
}

type BlocksRequestResponseKind int

const (
	BlocksResponseVerifyHeader BlocksRequestResponseKind = iota
	BlocksResponseQueued
	BlocksResponseAllAlreadyInChain
	BlocksResponseInconclusive
)

type BlocksRequestResponseOutcome struct {
	Kind        BlocksRequestResponseKind
	Sync        *AllSync
	NextActions []Action
}

// BlocksRequestResponse injects the result of a BlocksRequest action.
// err is non-nil for a transient network failure (spec.md §7: "not
// logged at warn", the machine just retries via fresh actions).
func (idle *Idle) BlocksRequestResponse(id RequestID, blocks []BlockData, err error) BlocksRequestResponseOutcome {
	info, ok := idle.pending[id]
	if !ok || info.kind != RequestBlocks {
		panic("allsync: BlocksRequestResponse for unknown/mismatched request id")
	}
	delete(idle.pending, id)
	if src := idle.sources[info.sourceID]; src != nil {
		src.pendingRequest = 0
	}

	if err != nil {
		return BlocksRequestResponseOutcome{Kind: BlocksResponseInconclusive, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest()}
	}
	if len(blocks) == 0 {
		return BlocksRequestResponseOutcome{Kind: BlocksResponseAllAlreadyInChain, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest()}
	}

	decoded := make([]header.Header, 0, len(blocks))
	justifications := make([][]byte, 0, len(blocks))
	for _, b := range blocks {
		h, err := idle.decodeHeaderCached(b.ScaleEncodedHeader)
		if err != nil {
			// An undecodable header anywhere in the batch makes the
			// whole response unusable; treat it like a network error
			// and retry from a (possibly different) source.
			return BlocksRequestResponseOutcome{Kind: BlocksResponseInconclusive, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest()}
		}
		decoded = append(decoded, h)
		justifications = append(justifications, b.ScaleEncodedJustification)
	}

	verify := &HeaderVerify{idle: idle, headers: decoded, justifications: justifications, sourceID: info.sourceID, markBest: true}
	return BlocksRequestResponseOutcome{Kind: BlocksResponseVerifyHeader, Sync: &AllSync{variant: VariantHeaderVerify, verify: verify}}
}

type GrandpaWarpSyncResponseKind int

const (
	WarpSyncFinished GrandpaWarpSyncResponseKind = iota
	WarpSyncQueued
)

type GrandpaWarpSyncResponseOutcome struct {
	Kind           GrandpaWarpSyncResponseKind
	Sync           *AllSync
	NextActions    []Action
	IsNewFinalized bool
	IsNewBest      bool
	Err            error
}

// GrandpaWarpSyncResponse injects the result of a GrandpaWarpSync
// action (spec.md §4.2, §6). A nil proof (or a non-nil err) models a
// transient network failure; a non-nil proof that fails verification
// is a verification error, logged by the caller at warn per spec.md §7.
func (idle *Idle) GrandpaWarpSyncResponse(id RequestID, proof []byte, err error) GrandpaWarpSyncResponseOutcome {
	info, ok := idle.pending[id]
	if !ok || info.kind != RequestGrandpaWarpSync {
		panic("allsync: GrandpaWarpSyncResponse for unknown/mismatched request id")
	}
	startHash := idle.finalized.Hash
	delete(idle.pending, id)
	if src := idle.sources[info.sourceID]; src != nil {
		src.pendingRequest = 0
	}

	if err != nil || proof == nil {
		return GrandpaWarpSyncResponseOutcome{Kind: WarpSyncQueued, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest()}
	}

	result, verr := idle.cfg.WarpSyncVerifier.VerifyWarpSyncProof(startHash, proof)
	if verr != nil {
		return GrandpaWarpSyncResponseOutcome{Kind: WarpSyncQueued, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest(), Err: verr}
	}

	if len(result.NeedsStorageKey) > 0 {
		idle.warpFinish = &pendingWarpFinish{result: result}
		return GrandpaWarpSyncResponseOutcome{Kind: WarpSyncQueued, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest()}
	}

	return idle.finishWarpSync(result)
}

func (idle *Idle) finishWarpSync(result WarpSyncResult) GrandpaWarpSyncResponseOutcome {
	isNewBest := result.FinalizedHeader.Number > idle.best.Number
	idle.finalized = result.FinalizedHeader
	if isNewBest {
		idle.best = result.FinalizedHeader
	}
	idle.finality.AfterFinalizedBlockAuthoritiesSetID = result.NextAuthoritySetID
	idle.warpFinish = nil

	return GrandpaWarpSyncResponseOutcome{
		Kind:           WarpSyncFinished,
		Sync:           &AllSync{variant: VariantIdle, idle: idle},
		NextActions:    idle.issueNextRequest(),
		IsNewFinalized: true,
		IsNewBest:      isNewBest,
	}
}

type StorageGetResponseKind int

const (
	StorageGetWarpSyncFinished StorageGetResponseKind = iota
	StorageGetQueued
)

type StorageGetResponseOutcome struct {
	Kind           StorageGetResponseKind
	Sync           *AllSync
	NextActions    []Action
	IsNewFinalized bool
	IsNewBest      bool
	Values         [][]byte // aligned with the request's Keys; nil entry = proven absent
	Err            error
}

// StorageGetResponse injects the result of a StorageGet action. On any
// proof-verification failure the entire request is reported as errored
// (spec.md §4.2: "On any verification failure the entire request is
// reported as errored").
func (idle *Idle) StorageGetResponse(id RequestID, proof [][]byte, err error) StorageGetResponseOutcome {
	info, ok := idle.pending[id]
	if !ok || info.kind != RequestStorageGet {
		panic("allsync: StorageGetResponse for unknown/mismatched request id")
	}
	finishesWarp := idle.warpFinish != nil && idle.warpFinish.requestID == id
	var keys [][]byte
	var root common.Hash
	if finishesWarp {
		keys = [][]byte{idle.warpFinish.result.NeedsStorageKey}
		root = idle.warpFinish.result.StateTrieRoot
	}
	delete(idle.pending, id)
	if src := idle.sources[info.sourceID]; src != nil {
		src.pendingRequest = 0
	}

	if err != nil {
		if finishesWarp {
			idle.warpFinish.requestID = 0
		}
		return StorageGetResponseOutcome{Kind: StorageGetQueued, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest(), Err: err}
	}

	values, verr := idle.cfg.StorageProofVerifier.VerifyStorageProof(root, proof, keys)
	if verr != nil {
		if finishesWarp {
			idle.warpFinish.requestID = 0
		}
		return StorageGetResponseOutcome{Kind: StorageGetQueued, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest(), Err: verr}
	}

	if !finishesWarp {
		return StorageGetResponseOutcome{Kind: StorageGetQueued, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: idle.issueNextRequest(), Values: values}
	}

	result := idle.warpFinish.result
	out := idle.finishWarpSync(result)
	return StorageGetResponseOutcome{
		Kind:           StorageGetWarpSyncFinished,
		Sync:           out.Sync,
		NextActions:    out.NextActions,
		IsNewFinalized: out.IsNewFinalized,
		IsNewBest:      out.IsNewBest,
		Values:         values,
	}
}
