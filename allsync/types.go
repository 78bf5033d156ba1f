// Package allsync implements the tagged sync-state-machine described by
// spec.md §3 ("Sync state machine (AllSync)") and §4.2, grounded on
// bin/wasm-node/rust/src/sync_service.rs's use of the `all::AllSync`
// automaton (original_source/). The real smoldot automaton performs
// full BABE/Aura block-production verification and GrandPa warp sync
// against an arbitrary trie; this port keeps its external contract
// (sources, actions, request ids, Idle/HeaderVerify variants, the three
// response-injection entry points and BlockAnnounce) while delegating actual
// cryptographic verification to pluggable HeaderVerifier /
// WarpSyncVerifier / StorageProofVerifier collaborators — exactly the
// "out of scope, external collaborator" boundary spec.md §1 describes
// for the finality-proof and trie-proof verifiers.
package allsync

import "github.com/ethereum/go-ethereum/common"

// SourceID identifies a Source (a peer, from the machine's point of
// view) for as long as it remains registered.
type SourceID uint64

// RequestID identifies an in-flight request. Unique over the lifetime
// of a machine; valid only until the machine reports completion,
// cancellation, or until RemoveSource reports it as cancelled.
type RequestID uint64

// ActionKind tags an Action.
type ActionKind int

const (
	ActionStart ActionKind = iota
	ActionCancel
)

func (k ActionKind) String() string {
	if k == ActionStart {
		return "Start"
	}
	return "Cancel"
}

// RequestKind tags the three request verbs spec.md §6 describes.
type RequestKind int

const (
	RequestBlocks RequestKind = iota
	RequestGrandpaWarpSync
	RequestStorageGet
)

// BlocksRequestDetail is RequestDetail::BlocksRequest (spec.md §4.2).
type BlocksRequestDetail struct {
	FirstBlockNumber     uint64
	Ascending            bool
	NumBlocks            uint64
	RequestHeader        bool
	RequestBody          bool
	RequestJustification bool
}

// GrandpaWarpSyncDetail is RequestDetail::GrandpaWarpSync.
type GrandpaWarpSyncDetail struct {
	StartBlockHash common.Hash
}

// StorageGetDetail is RequestDetail::StorageGet.
type StorageGetDetail struct {
	BlockHash     common.Hash
	StateTrieRoot common.Hash
	Keys          [][]byte
	// FinishesWarpSync marks a storage fetch issued to complete a
	// two-phase warp sync (see WarpSyncResult.NeedsStorageKey):
	// its successful response also sets has_new_finalized, per
	// spec.md §4.2 "successful warp-sync / storage-get completions
	// that advance finalization set has_new_finalized".
	FinishesWarpSync bool
}

// Action is an instruction the task must act on: start a request
// against a source, or cancel one already in flight.
type Action struct {
	Kind      ActionKind
	RequestID RequestID
	SourceID  SourceID

	Blocks     *BlocksRequestDetail
	WarpSync   *GrandpaWarpSyncDetail
	StorageGet *StorageGetDetail
}
