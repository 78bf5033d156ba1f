package allsync

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/insipx/smoldot/header"
)

// HeaderVerifier checks that child is a legitimate successor of parent
// under whatever block-production consensus the chain uses (BABE/Aura
// signature, VRF output, ...). This is the "block-production consensus
// verifier", an external collaborator per spec.md §1.
type HeaderVerifier interface {
	VerifyHeader(now time.Time, parent, child header.Header) error
}

// WarpSyncResult is what a successfully verified warp-sync proof
// yields: the finality gadget's new finalized header and authority-set
// id. NeedsStorageKey, when non-empty, means the proof alone isn't
// sufficient to finish warp syncing: the caller must additionally fetch
// that key (StorageGet, proven against StateTrieRoot) before the
// machine will report has_new_finalized — this models the real
// protocol's post-proof runtime-code fetch while keeping the common
// case (NeedsStorageKey == nil) a single round trip, matching spec.md
// §8 scenario S3.
type WarpSyncResult struct {
	FinalizedHeader        header.Header
	NextAuthoritySetID     uint64
	StateTrieRoot          common.Hash
	NeedsStorageKey        []byte
}

// WarpSyncVerifier verifies a GrandPa warp-sync proof. External
// collaborator per spec.md §1 ("the finality-proof ... verifiers").
type WarpSyncVerifier interface {
	VerifyWarpSyncProof(startBlockHash common.Hash, proof []byte) (WarpSyncResult, error)
}

// StorageProofVerifier verifies a Merkle trie storage proof against a
// root, returning a value (or nil for proven-absent) per requested key,
// aligned by index with keys (spec.md §4.2, StorageGet). External
// collaborator per spec.md §1 ("the ... trie-proof verifiers").
type StorageProofVerifier interface {
	VerifyStorageProof(trieRoot common.Hash, proof [][]byte, keys [][]byte) ([][]byte, error)
}

// JustificationVerifier checks that a GrandPa finality justification
// carried alongside a blocks-request response actually finalizes the
// given header (spec.md §4.2 "BlocksRequest" names the justification
// field; spec.md §1 names the finality-proof verifier an external
// collaborator). A nil JustificationVerifier means justifications are
// fetched but never consulted — headers still verify and advance best,
// they just never advance finalized via this path.
type JustificationVerifier interface {
	VerifyJustification(finalized header.Header, justification []byte) error
}

// HeaderVerify is the machine's "verifying a header" variant: a batch
// of decoded headers (each with its possibly-absent justification)
// awaiting synchronous verification, one at a time, as described by
// spec.md §4.2 step 2 ("Synchronous verify drain").
type HeaderVerify struct {
	idle           *Idle
	headers        []header.Header
	justifications [][]byte
	index          int
	sourceID       SourceID
	markBest       bool
}

// HeaderVerifyOutcome is the result of one Perform call: either the
// batch advanced successfully (possibly finishing and returning to
// Idle), or the offending header was rejected and the rest of the
// batch discarded (spec.md §7: "A verification error is logged at warn
// and treated as non-fatal; the machine itself transitions to idle
// with the offending data discarded").
type HeaderVerifyOutcome struct {
	Sync           *AllSync
	NextActions    []Action
	IsNewBest      bool
	IsNewFinalized bool
	Err            error // non-nil iff this step failed header verification (batch discarded)
	// JustificationErr is non-nil iff this step's header verified fine
	// but its accompanying justification failed to verify — the header
	// is still accepted and the batch continues, it simply doesn't
	// advance finalized.
	JustificationErr error
}

// Perform verifies the current header in the batch against the
// verifier and advances. It never blocks; the task is expected to call
// it synchronously and loop while the machine remains in the
// HeaderVerify variant (spec.md §4.2 step 2, §5 "Verification itself is
// synchronous").
func (hv *HeaderVerify) Perform(now time.Time, verifier HeaderVerifier) HeaderVerifyOutcome {
	idle := hv.idle
	child := hv.headers[hv.index]

	if err := verifier.VerifyHeader(now, idle.best, child); err != nil {
		// Discard the rest of the batch and go back to idle.
		return HeaderVerifyOutcome{
			Sync:        &AllSync{variant: VariantIdle, idle: idle},
			NextActions: idle.issueNextRequest(),
			Err:         err,
		}
	}

	isNewBest := hv.markBest
	if isNewBest {
		idle.best = child
	}

	isNewFinalized := false
	var justErr error
	var justification []byte
	if hv.index < len(hv.justifications) {
		justification = hv.justifications[hv.index]
	}
	if len(justification) > 0 && idle.cfg.JustificationVerifier != nil {
		if err := idle.cfg.JustificationVerifier.VerifyJustification(child, justification); err != nil {
			justErr = err
		} else {
			idle.finalized = child
			isNewFinalized = true
		}
	}

	hv.index++

	if hv.index == len(hv.headers) {
		if src, ok := idle.sources[hv.sourceID]; ok {
			src.pendingRequest = 0
		}
		return HeaderVerifyOutcome{
			Sync:             &AllSync{variant: VariantIdle, idle: idle},
			NextActions:      idle.issueNextRequest(),
			IsNewBest:        isNewBest,
			IsNewFinalized:   isNewFinalized,
			JustificationErr: justErr,
		}
	}

	// More headers remain in the batch: stay in HeaderVerify, no
	// actions are dispatched until the machine returns to Idle.
	return HeaderVerifyOutcome{
		Sync:             &AllSync{variant: VariantHeaderVerify, verify: hv},
		IsNewBest:        isNewBest,
		IsNewFinalized:   isNewFinalized,
		JustificationErr: justErr,
	}
}
