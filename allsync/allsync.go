package allsync

import (
	"math/rand"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/insipx/smoldot/chain"
	"github.com/insipx/smoldot/header"
)

// headerCacheCapacity bounds the decoded-header cache every Idle keeps
// (spec.md §4.2 construction parameter "block-storage capacity 1024" —
// this cache is smaller since it only ever needs to absorb duplicate
// decodes of headers already seen, not the full download-ahead window).
const headerCacheCapacity = 512

// Variant tags which of the machine's two observable states is
// currently held — "exactly one variant is held at a time" (spec.md §3).
type Variant int

const (
	VariantIdle Variant = iota
	VariantHeaderVerify
)

// AllSync is the tagged sync state machine. The zero value is not
// usable; construct one with New.
type AllSync struct {
	variant Variant
	idle    *Idle
	verify  *HeaderVerify
}

// Config mirrors all::Config from the original (spec.md §4.2
// "Initialization").
type Config struct {
	ChainInformation chain.Information

	SourcesCapacity             int
	SourceSelectionRandomSeed   int64
	BlocksRequestGranularity    uint64
	BlocksCapacity              uint64
	DownloadAheadBlocks         uint64
	Full                        bool

	HeaderVerifier        HeaderVerifier
	WarpSyncVerifier      WarpSyncVerifier
	StorageProofVerifier  StorageProofVerifier
	JustificationVerifier JustificationVerifier
}

// New builds a machine in the Idle variant from the given chain
// description. Every construction parameter is taken from cfg as given;
// the relay task passes spec.md §4.2's values (source capacity 32,
// granularity 128, blocks capacity 1024, download-ahead 5000).
func New(cfg Config) *AllSync {
	cache, err := lru.New[string, header.Header](headerCacheCapacity)
	if err != nil {
		// Only possible for a non-positive capacity, which
		// headerCacheCapacity never is.
		panic("allsync: invalid header cache capacity")
	}
	idle := &Idle{
		cfg:         cfg,
		finalized:   cfg.ChainInformation.FinalizedBlockHeader,
		best:        cfg.ChainInformation.FinalizedBlockHeader,
		finality:    cfg.ChainInformation.Finality,
		sources:     make(map[SourceID]*sourceInfo),
		pending:     make(map[RequestID]*pendingInfo),
		headerCache: cache,
		rng:         rand.New(rand.NewSource(cfg.SourceSelectionRandomSeed)),
	}
	return &AllSync{variant: VariantIdle, idle: idle}
}

// Variant reports which variant the machine currently holds.
func (s *AllSync) Variant() Variant { return s.variant }

// AsIdle returns the Idle handle and true iff the machine is currently
// Idle.
func (s *AllSync) AsIdle() (*Idle, bool) {
	if s.variant != VariantIdle {
		return nil, false
	}
	return s.idle, true
}

// AsHeaderVerify returns the HeaderVerify handle and true iff the
// machine currently holds a pending header verification.
func (s *AllSync) AsHeaderVerify() (*HeaderVerify, bool) {
	if s.variant != VariantHeaderVerify {
		return nil, false
	}
	return s.verify, true
}

// Idle is the machine's resting variant: it accepts commands and emits
// actions (spec.md §3).
type Idle struct {
	cfg Config

	finalized header.Header
	best      header.Header
	finality  chain.Finality

	sources     map[SourceID]*sourceInfo
	sourceOrder []SourceID
	nextSource  SourceID

	pending       map[RequestID]*pendingInfo
	nextRequest   RequestID

	warpFinish *pendingWarpFinish

	headerCache *lru.Cache[string, header.Header]
	rng         *rand.Rand
}

// decodeHeaderCached decodes raw header bytes through a bounded LRU
// cache keyed by the raw bytes: decoding is pure and the same header
// commonly arrives more than once — from several peers announcing the
// same block, or a retried blocks request.
func (idle *Idle) decodeHeaderCached(raw []byte) (header.Header, error) {
	key := string(raw)
	if h, ok := idle.headerCache.Get(key); ok {
		return h, nil
	}
	h, err := header.Decode(raw)
	if err != nil {
		return header.Header{}, err
	}
	idle.headerCache.Add(key, h)
	return h, nil
}

type sourceInfo struct {
	peerID         string
	bestNumber     uint64
	bestHash       common.Hash
	pendingRequest RequestID
}

type pendingInfo struct {
	kind     RequestKind
	sourceID SourceID
}

// pendingWarpFinish tracks a two-phase warp sync awaiting the
// completing storage fetch (see WarpSyncResult.NeedsStorageKey).
type pendingWarpFinish struct {
	result    WarpSyncResult
	requestID RequestID // 0 until the StorageGet action has been issued
}

// BestBlockHeader returns the machine's current best header.
func (idle *Idle) BestBlockHeader() header.Header { return idle.best }

// FinalizedBlockHeader returns the machine's current finalized header.
func (idle *Idle) FinalizedBlockHeader() header.Header { return idle.finalized }

// AsChainInformation snapshots the machine's chain description, used
// by the task to decide whether to push local GrandPa state to the
// network on finalization (spec.md §4.2 step 3).
func (idle *Idle) AsChainInformation() chain.Information {
	return chain.Information{FinalizedBlockHeader: idle.finalized, Finality: idle.finality}
}

// IsNearHeadOfChainHeuristic implements spec.md §4.1's heuristic: true
// once the machine has at least one source and every source's announced
// best is no further ahead than the block-request granularity, i.e.
// there's nothing substantial left to download.
func (idle *Idle) IsNearHeadOfChainHeuristic() bool {
	if len(idle.sources) == 0 {
		return false
	}
	for _, src := range idle.sources {
		if src.bestNumber > idle.best.Number+idle.cfg.BlocksRequestGranularity {
			return false
		}
	}
	return true
}

// SourceUserData returns the opaque peer-id carried by a source.
func (idle *Idle) SourceUserData(id SourceID) (string, bool) {
	src, ok := idle.sources[id]
	if !ok {
		return "", false
	}
	return src.peerID, true
}

// AddSource registers a new source (spec.md §4.2 "Connected").
func (idle *Idle) AddSource(peerID string, bestNumber uint64, bestHash common.Hash) (SourceID, []Action) {
	idle.nextSource++
	id := idle.nextSource
	idle.sources[id] = &sourceInfo{peerID: peerID, bestNumber: bestNumber, bestHash: bestHash}
	idle.sourceOrder = append(idle.sourceOrder, id)
	return id, idle.issueNextRequest()
}

// RemoveSource unregisters a source and reports every RequestID that
// referenced it — the caller must abort each and drop it from its
// pending-request table (spec.md §4.2 "Disconnected"). Removing an
// unknown source id is a programming error (spec.md §7) since the
// source->peer mapping is owned by the caller and must always be kept
// in sync with the machine's source set.
func (idle *Idle) RemoveSource(id SourceID) ([]RequestID, []Action) {
	if _, ok := idle.sources[id]; !ok {
		panic("allsync: RemoveSource of unknown source id")
	}

	var cancelled []RequestID
	for reqID, info := range idle.pending {
		if info.sourceID == id {
			cancelled = append(cancelled, reqID)
			delete(idle.pending, reqID)
		}
	}
	delete(idle.sources, id)
	for i, sid := range idle.sourceOrder {
		if sid == id {
			idle.sourceOrder = append(idle.sourceOrder[:i], idle.sourceOrder[i+1:]...)
			break
		}
	}
	return cancelled, idle.issueNextRequest()
}

func (idle *Idle) newRequestID() RequestID {
	idle.nextRequest++
	return idle.nextRequest
}

// issueNextRequest decides whether a new request should be dispatched
// given the current state, the ordering invariant of spec.md §4.2 step
// 1: actions are only ever produced while the machine is Idle. Source
// selection starts at a position perturbed by the construction-time
// random seed (spec.md §4.2's "random source-selection seed") rather
// than always favoring the first-registered source.
func (idle *Idle) issueNextRequest() []Action {
	if idle.warpFinish != nil && idle.warpFinish.requestID == 0 {
		return idle.startStorageGetForWarpFinish()
	}

	for _, sid := range idle.rotatedSourceOrder() {
		src := idle.sources[sid]
		if src == nil || src.pendingRequest != 0 {
			continue
		}
		if src.bestNumber <= idle.best.Number {
			continue
		}
		gap := src.bestNumber - idle.finalized.Number
		if gap > idle.cfg.BlocksCapacity {
			return idle.startWarpSync(sid, src)
		}
		return idle.startBlocksRequest(sid, src)
	}
	return nil
}

// rotatedSourceOrder returns idle.sourceOrder rotated to start at a
// position drawn from idle.rng, so that repeated calls spread load
// across sources instead of always preferring the same one.
func (idle *Idle) rotatedSourceOrder() []SourceID {
	n := len(idle.sourceOrder)
	if n <= 1 {
		return idle.sourceOrder
	}
	start := idle.rng.Intn(n)
	rotated := make([]SourceID, 0, n)
	rotated = append(rotated, idle.sourceOrder[start:]...)
	rotated = append(rotated, idle.sourceOrder[:start]...)
	return rotated
}

func (idle *Idle) startBlocksRequest(sid SourceID, src *sourceInfo) []Action {
	count := src.bestNumber - idle.best.Number
	if idle.cfg.BlocksRequestGranularity > 0 && count > idle.cfg.BlocksRequestGranularity {
		count = idle.cfg.BlocksRequestGranularity
	}
	if idle.cfg.DownloadAheadBlocks > 0 && count > idle.cfg.DownloadAheadBlocks {
		count = idle.cfg.DownloadAheadBlocks
	}
	if count == 0 {
		return nil
	}

	id := idle.newRequestID()
	idle.pending[id] = &pendingInfo{kind: RequestBlocks, sourceID: sid}
	src.pendingRequest = id

	return []Action{{
		Kind:      ActionStart,
		RequestID: id,
		SourceID:  sid,
		Blocks: &BlocksRequestDetail{
			FirstBlockNumber:     idle.best.Number + 1,
			Ascending:            true,
			NumBlocks:            count,
			RequestHeader:        true,
			RequestBody:          idle.cfg.Full,
			RequestJustification: true,
		},
	}}
}

func (idle *Idle) startWarpSync(sid SourceID, src *sourceInfo) []Action {
	id := idle.newRequestID()
	idle.pending[id] = &pendingInfo{kind: RequestGrandpaWarpSync, sourceID: sid}
	src.pendingRequest = id

	return []Action{{
		Kind:      ActionStart,
		RequestID: id,
		SourceID:  sid,
		WarpSync:  &GrandpaWarpSyncDetail{StartBlockHash: idle.finalized.Hash},
	}}
}

func (idle *Idle) startStorageGetForWarpFinish() []Action {
	// The source that produced the warp-sync proof is no longer
	// tracked individually; storage-finish requests go to whichever
	// source is currently free, matching the general "pick the next
	// available source" policy used for every other request kind.
	for _, sid := range idle.rotatedSourceOrder() {
		src := idle.sources[sid]
		if src == nil || src.pendingRequest != 0 {
			continue
		}
		id := idle.newRequestID()
		idle.pending[id] = &pendingInfo{kind: RequestStorageGet, sourceID: sid}
		src.pendingRequest = id
		idle.warpFinish.requestID = id

		return []Action{{
			Kind:      ActionStart,
			RequestID: id,
			SourceID:  sid,
			StorageGet: &StorageGetDetail{
				BlockHash:        idle.warpFinish.result.FinalizedHeader.Hash,
				StateTrieRoot:    idle.warpFinish.result.StateTrieRoot,
				Keys:             [][]byte{idle.warpFinish.result.NeedsStorageKey},
				FinishesWarpSync: true,
			},
		}}
	}
	return nil
}
