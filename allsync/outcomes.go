package allsync

import "github.com/insipx/smoldot/header"

// BlockAnnounceOutcome is the result of feeding a peer's block
// announcement into the machine (spec.md §4.2 "BlockAnnounce").
type BlockAnnounceOutcome struct {
	Kind        BlockAnnounceKind
	Sync        *AllSync
	NextActions []Action
}

type BlockAnnounceKind int

const (
	BlockAnnounceHeaderVerify BlockAnnounceKind = iota
	BlockAnnounceTooOld
	BlockAnnounceAlreadyInChain
	BlockAnnounceDisjoint
	BlockAnnounceInvalidHeader
)

// BlockAnnounce feeds a peer's announced header into the machine.
func (idle *Idle) BlockAnnounce(id SourceID, headerBytes []byte, isBest bool) BlockAnnounceOutcome {
	src, ok := idle.sources[id]
	if !ok {
		panic("allsync: BlockAnnounce from unknown source id")
	}

	h, err := idle.decodeHeaderCached(headerBytes)
	if err != nil {
		return BlockAnnounceOutcome{Kind: BlockAnnounceInvalidHeader, Sync: &AllSync{variant: VariantIdle, idle: idle}}
	}

	if h.Number > src.bestNumber || (h.Number == src.bestNumber && h.Hash != src.bestHash) {
		src.bestNumber, src.bestHash = h.Number, h.Hash
	}

	if h.Number <= idle.finalized.Number {
		return BlockAnnounceOutcome{Kind: BlockAnnounceTooOld, Sync: &AllSync{variant: VariantIdle, idle: idle}}
	}
	if h.Hash == idle.best.Hash {
		return BlockAnnounceOutcome{Kind: BlockAnnounceAlreadyInChain, Sync: &AllSync{variant: VariantIdle, idle: idle}}
	}
	if h.ParentHash != idle.best.Hash {
		// A gap exists between our best and the announced header. If
		// the announcing source already has a blocks request in
		// flight that the newly announced (larger) gap has made
		// unfulfillable, supersede it: cancel that request and switch
		// to warp sync instead of waiting on a response that can no
		// longer close the gap on its own.
		if reqID := src.pendingRequest; reqID != 0 {
			if info, ok := idle.pending[reqID]; ok && info.kind == RequestBlocks {
				if gap := src.bestNumber - idle.finalized.Number; gap > idle.cfg.BlocksCapacity {
					delete(idle.pending, reqID)
					src.pendingRequest = 0
					cancel := Action{Kind: ActionCancel, RequestID: reqID, SourceID: id}
					actions := append([]Action{cancel}, idle.startWarpSync(id, src)...)
					return BlockAnnounceOutcome{Kind: BlockAnnounceDisjoint, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: actions}
				}
			}
		}
		// Otherwise issue whatever request the usual source selection
		// picks (a blocks request, or a warp sync once the gap exceeds
		// BlocksCapacity) rather than verifying immediately.
		actions := idle.issueNextRequest()
		return BlockAnnounceOutcome{Kind: BlockAnnounceDisjoint, Sync: &AllSync{variant: VariantIdle, idle: idle}, NextActions: actions}
	}

	verify := &HeaderVerify{idle: idle, headers: []header.Header{h}, sourceID: id, markBest: isBest}
	return BlockAnnounceOutcome{Kind: BlockAnnounceHeaderVerify, Sync: &AllSync{variant: VariantHeaderVerify, verify: verify}}
}
