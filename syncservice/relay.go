package syncservice

import (
	"context"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insipx/smoldot/allsync"
	"github.com/insipx/smoldot/chain"
	"github.com/insipx/smoldot/header"
	"github.com/insipx/smoldot/internal/metrics"
	"github.com/insipx/smoldot/lossychan"
	"github.com/insipx/smoldot/netservice"
)

// grandpaRoundNumberPlaceholder is the round number published alongside
// local finality state. Tracking the real GrandPa round is left
// unimplemented upstream (spec.md §9); this keeps that literal
// behavior, named rather than a bare numeral.
const grandpaRoundNumberPlaceholder = 1

// maxGrandpaHeight is the ceiling a finalized height is saturated at
// before being gossiped as local finality state. The upstream
// implementation this is ported from narrows a block number to 32 bits
// and can panic on very large chains (spec.md §9); saturating here is
// strictly safer, since the pushed height is advisory gossip rather
// than something correctness depends on.
const maxGrandpaHeight = math.MaxUint32

// blocksResult, warpResult and storageResult carry a completed request
// back onto the task's own goroutine. Each pairs the RequestID the
// machine is waiting on with the raw response (or error) the
// networking service produced.
type blocksResult struct {
	requestID allsync.RequestID
	blocks    []allsync.BlockData
	err       error
}

type warpResult struct {
	requestID allsync.RequestID
	proof     []byte
	err       error
}

type storageResult struct {
	requestID allsync.RequestID
	proof     [][]byte
	err       error
}

// relayTask is the relay-chain background sync task (spec.md §4.2). All
// of its fields are owned exclusively by the goroutine running run();
// nothing here is synchronized, matching the single-owner-automaton
// design spec.md §5 and §9 call out explicitly.
type relayTask struct {
	cfg   Config
	log   log.Logger
	clock mclock.Clock

	machine *allsync.AllSync

	// peerToSource/sourceToPeer mirror spec.md §3's "external code owns
	// a mapping peer_id -> source_id" — the machine only ever sees
	// SourceIDs, network events only ever carry PeerIDs.
	peerToSource map[netservice.PeerID]allsync.SourceID
	sourceToPeer map[allsync.SourceID]netservice.PeerID

	// pending is the request table of spec.md §3: present iff a
	// request has been started and not yet completed or cancelled.
	pending map[allsync.RequestID]context.CancelFunc

	actions []allsync.Action

	hasNewBest      bool
	hasNewFinalized bool

	warnedHeightSaturation bool

	bestSubs      []lossychan.Sender[[]byte]
	finalizedSubs []lossychan.Sender[[]byte]

	fromForeground <-chan message
	fromNetwork    <-chan netservice.Event

	blocksDone  chan blocksResult
	warpDone    chan warpResult
	storageDone chan storageResult
}

func newRelayTask(cfg Config, fromForeground <-chan message) *relayTask {
	machine := allsync.New(allsync.Config{
		ChainInformation:          cfg.ChainInformation,
		SourcesCapacity:           32,
		SourceSelectionRandomSeed: 0,
		BlocksRequestGranularity:  128,
		BlocksCapacity:            1024,
		DownloadAheadBlocks:       5000,
		Full:                      cfg.Full,
		HeaderVerifier:            cfg.HeaderVerifier,
		WarpSyncVerifier:          cfg.WarpSyncVerifier,
		StorageProofVerifier:      cfg.StorageProofVerifier,
		JustificationVerifier:     cfg.JustificationVerifier,
	})

	l := cfg.Log
	if l == nil {
		l = log.Root()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = mclock.System{}
	}

	return &relayTask{
		cfg:            cfg,
		log:            l,
		clock:          clock,
		machine:        machine,
		peerToSource:   make(map[netservice.PeerID]allsync.SourceID),
		sourceToPeer:   make(map[allsync.SourceID]netservice.PeerID),
		pending:        make(map[allsync.RequestID]context.CancelFunc),
		fromForeground: fromForeground,
		fromNetwork:    cfg.NetworkService.Events(),
		blocksDone:     make(chan blocksResult, 8),
		warpDone:       make(chan warpResult, 8),
		storageDone:    make(chan storageResult, 8),
	}
}

// now derives a timestamp from the task's injected clock rather than
// wall time, so tests can drive verification deterministically with
// mclock.Simulated (SPEC_FULL.md §3 "Clock").
func (t *relayTask) now() time.Time {
	return time.Unix(0, int64(t.clock.Now()))
}

// run is the task's entire lifetime: pump the machine to a quiescent
// state, then block on the next of four event sources (spec.md §4.2
// "Main loop"). Either input channel closing ends the loop cleanly
// (spec.md §4.2 "Termination"); pending requests are abandoned, their
// contexts cancelled by nothing explicit — callers that want a clean
// shutdown close the network/foreground channels only after there is
// nothing left they care about.
func (t *relayTask) run() {
	for {
		t.pump()

		select {
		case ev, ok := <-t.fromNetwork:
			if !ok {
				return
			}
			t.handleNetworkEvent(ev)
		case m, ok := <-t.fromForeground:
			if !ok {
				return
			}
			t.handleMessage(m)
		case r := <-t.blocksDone:
			t.handleBlocksResult(r)
		case r := <-t.warpDone:
			t.handleWarpResult(r)
		case r := <-t.storageDone:
			t.handleStorageResult(r)
		}
	}
}

// pump implements spec.md §4.2 steps 1-3: drain every queued action
// (only while Idle, so the source ids actions reference are still
// live), synchronously perform any pending header verification,
// looping back to draining after each step, then fan out any
// resulting notifications. It returns once the machine is Idle with an
// empty action queue, i.e. once the task is ready to block (step 4).
func (t *relayTask) pump() {
	for {
		t.drainActions()

		verify, ok := t.machine.AsHeaderVerify()
		if !ok {
			break
		}

		outcome := verify.Perform(t.now(), t.cfg.HeaderVerifier)
		t.machine = outcome.Sync
		t.actions = append(t.actions, outcome.NextActions...)
		if outcome.IsNewBest {
			t.hasNewBest = true
		}
		if outcome.IsNewFinalized {
			t.hasNewFinalized = true
		}
		if outcome.Err != nil {
			// Verification errors are non-fatal: the machine already
			// discarded the offending header and the rest of its batch
			// and returned to Idle (spec.md §7).
			metrics.VerificationErrors.WithLabelValues("header").Inc()
			t.log.Warn("header verification failed, discarding", "err", outcome.Err)
		}
		if outcome.JustificationErr != nil {
			// The header itself verified fine; only its accompanying
			// justification failed, so the batch continues without
			// advancing finalized this step (spec.md §7).
			metrics.VerificationErrors.WithLabelValues("justification").Inc()
			t.log.Warn("justification verification failed, header accepted without finalizing", "err", outcome.JustificationErr)
		}
	}

	t.flushNotifications()
}

// drainActions dispatches every queued Action while (and only while)
// the machine is Idle. This is the ordering invariant of spec.md §4.2
// step 1: disconnect events (which remove sources) are only processed
// after this drain, so a SourceID referenced by a queued action is
// guaranteed still registered.
func (t *relayTask) drainActions() {
	idle, ok := t.machine.AsIdle()
	if !ok {
		return
	}
	for len(t.actions) > 0 {
		a := t.actions[0]
		t.actions = t.actions[1:]
		t.dispatchAction(idle, a)
	}
}

func (t *relayTask) dispatchAction(idle *allsync.Idle, a allsync.Action) {
	switch a.Kind {
	case allsync.ActionCancel:
		cancel, ok := t.pending[a.RequestID]
		if !ok {
			// The state machine is only ever allowed to cancel a
			// request it itself started (spec.md §7, "programming
			// errors ... fatal").
			panic("syncservice: machine cancelled an unknown request id")
		}
		cancel()
		delete(t.pending, a.RequestID)

	case allsync.ActionStart:
		peerID, ok := idle.SourceUserData(a.SourceID)
		if !ok {
			panic("syncservice: action references an unknown source id")
		}
		peer := netservice.PeerID(peerID)
		ctx, cancel := context.WithCancel(context.Background())
		t.pending[a.RequestID] = cancel

		switch {
		case a.Blocks != nil:
			metrics.RequestsDispatched.WithLabelValues("blocks").Inc()
			t.startBlocksRequest(ctx, a.RequestID, peer, *a.Blocks)
		case a.WarpSync != nil:
			metrics.RequestsDispatched.WithLabelValues("grandpa_warp_sync").Inc()
			t.startWarpSyncRequest(ctx, a.RequestID, peer, *a.WarpSync)
		case a.StorageGet != nil:
			metrics.RequestsDispatched.WithLabelValues("storage_get").Inc()
			t.startStorageGetRequest(ctx, a.RequestID, peer, *a.StorageGet)
		default:
			panic("syncservice: ActionStart with no request detail")
		}
	}
}

func (t *relayTask) startBlocksRequest(ctx context.Context, id allsync.RequestID, peer netservice.PeerID, d allsync.BlocksRequestDetail) {
	req := netservice.BlockRequest{
		ChainIndex:           t.cfg.ChainIndex,
		FirstBlockNumber:     d.FirstBlockNumber,
		Ascending:            d.Ascending,
		NumBlocks:            d.NumBlocks,
		RequestHeader:        d.RequestHeader,
		RequestBody:          d.RequestBody,
		RequestJustification: d.RequestJustification,
	}
	go func() {
		items, err := t.cfg.NetworkService.BlocksRequest(ctx, peer, req)
		blocks := make([]allsync.BlockData, len(items))
		for i, it := range items {
			blocks[i] = allsync.BlockData{
				ScaleEncodedHeader:        it.ScaleEncodedHeader,
				ScaleEncodedJustification: it.ScaleEncodedJustification,
				ScaleEncodedBody:          it.ScaleEncodedBody,
			}
		}
		select {
		case t.blocksDone <- blocksResult{requestID: id, blocks: blocks, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (t *relayTask) startWarpSyncRequest(ctx context.Context, id allsync.RequestID, peer netservice.PeerID, d allsync.GrandpaWarpSyncDetail) {
	go func() {
		proof, err := t.cfg.NetworkService.GrandpaWarpSyncRequest(ctx, peer, t.cfg.ChainIndex, d.StartBlockHash)
		select {
		case t.warpDone <- warpResult{requestID: id, proof: proof, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (t *relayTask) startStorageGetRequest(ctx context.Context, id allsync.RequestID, peer netservice.PeerID, d allsync.StorageGetDetail) {
	go func() {
		proof, err := t.cfg.NetworkService.StorageGetRequest(ctx, peer, t.cfg.ChainIndex, d.BlockHash, d.Keys)
		select {
		case t.storageDone <- storageResult{requestID: id, proof: proof, err: err}:
		case <-ctx.Done():
		}
	}()
}

// handleNetworkEvent reacts to one network event (spec.md §4.2 "Event
// handling"). It is only ever called with the machine Idle and the
// action queue empty (pump() guarantees this before run() selects).
func (t *relayTask) handleNetworkEvent(ev netservice.Event) {
	if ev.ChainIndex != t.cfg.ChainIndex {
		// Foreign-chain event: silently ignored (spec.md §4.2, §8 S6).
		return
	}

	idle, ok := t.machine.AsIdle()
	if !ok {
		panic("syncservice: network event handled while machine not idle")
	}

	switch ev.Kind {
	case netservice.EventConnected:
		sid, actions := idle.AddSource(string(ev.PeerID), ev.BestBlockNumber, ev.BestBlockHash)
		t.peerToSource[ev.PeerID] = sid
		t.sourceToPeer[sid] = ev.PeerID
		t.actions = append(t.actions, actions...)

	case netservice.EventDisconnected:
		sid, ok := t.peerToSource[ev.PeerID]
		if !ok {
			panic("syncservice: disconnect for a peer with no source mapping")
		}
		delete(t.peerToSource, ev.PeerID)
		delete(t.sourceToPeer, sid)

		cancelled, actions := idle.RemoveSource(sid)
		for _, rid := range cancelled {
			if cancel, ok := t.pending[rid]; ok {
				cancel()
				delete(t.pending, rid)
			}
		}
		t.actions = append(t.actions, actions...)

	case netservice.EventBlockAnnounce:
		sid, ok := t.peerToSource[ev.PeerID]
		if !ok {
			// Announce from a peer we haven't registered a source for
			// yet (e.g. raced with its own Connected event); drop it,
			// a later re-announce or the initial sync will catch up.
			return
		}
		outcome := idle.BlockAnnounce(sid, ev.Announce, ev.IsBest)
		t.machine = outcome.Sync
		t.actions = append(t.actions, outcome.NextActions...)

	case netservice.EventGrandpaCommitMessage:
		// Accepted but not fed into finality verification: an open
		// question in the source this is ported from (spec.md §4.2,
		// §9) that would require the finality-proof verifier this
		// service treats as an out-of-scope collaborator (spec.md §1).
		t.log.Debug("grandpa commit message received, not verified", "chainIndex", ev.ChainIndex)
	}
}

func (t *relayTask) handleMessage(m message) {
	idle, ok := t.machine.AsIdle()
	if !ok {
		panic("syncservice: foreground message handled while machine not idle")
	}

	switch msg := m.(type) {
	case msgIsNearHeadOfChainHeuristic:
		msg.reply <- idle.IsNearHeadOfChainHeuristic()

	case msgSubscribeBest:
		sender, receiver := lossychan.New[[]byte]()
		t.bestSubs = append(t.bestSubs, sender)
		msg.reply <- subscribeReply{header: header.Encode(idle.BestBlockHeader()), receiver: receiver}

	case msgSubscribeFinalized:
		sender, receiver := lossychan.New[[]byte]()
		t.finalizedSubs = append(t.finalizedSubs, sender)
		msg.reply <- subscribeReply{header: header.Encode(idle.FinalizedBlockHeader()), receiver: receiver}
	}
}

func (t *relayTask) handleBlocksResult(r blocksResult) {
	if _, ok := t.pending[r.requestID]; !ok {
		// Already cancelled (disconnect or an explicit Cancel action):
		// the machine no longer expects this response (spec.md §4.2
		// "Response handling", step 2).
		return
	}
	delete(t.pending, r.requestID)

	idle, ok := t.machine.AsIdle()
	if !ok {
		panic("syncservice: blocks response injected while machine not idle")
	}
	outcome := idle.BlocksRequestResponse(r.requestID, r.blocks, r.err)
	t.machine = outcome.Sync
	t.actions = append(t.actions, outcome.NextActions...)
}

func (t *relayTask) handleWarpResult(r warpResult) {
	if _, ok := t.pending[r.requestID]; !ok {
		return
	}
	delete(t.pending, r.requestID)

	idle, ok := t.machine.AsIdle()
	if !ok {
		panic("syncservice: warp sync response injected while machine not idle")
	}
	outcome := idle.GrandpaWarpSyncResponse(r.requestID, r.proof, r.err)
	t.machine = outcome.Sync
	t.actions = append(t.actions, outcome.NextActions...)
	if outcome.Err != nil {
		metrics.VerificationErrors.WithLabelValues("grandpa_warp_sync").Inc()
		t.log.Warn("warp sync proof verification failed", "err", outcome.Err)
	}
	if outcome.IsNewBest {
		t.hasNewBest = true
	}
	if outcome.IsNewFinalized {
		t.hasNewFinalized = true
	}
}

func (t *relayTask) handleStorageResult(r storageResult) {
	if _, ok := t.pending[r.requestID]; !ok {
		return
	}
	delete(t.pending, r.requestID)

	idle, ok := t.machine.AsIdle()
	if !ok {
		panic("syncservice: storage response injected while machine not idle")
	}
	outcome := idle.StorageGetResponse(r.requestID, r.proof, r.err)
	t.machine = outcome.Sync
	t.actions = append(t.actions, outcome.NextActions...)
	if outcome.Err != nil {
		// On any verification failure the entire request is reported
		// as errored (spec.md §4.2 "StorageGet").
		metrics.VerificationErrors.WithLabelValues("storage_proof").Inc()
		t.log.Warn("storage proof verification failed", "err", outcome.Err)
	}
	if outcome.IsNewBest {
		t.hasNewBest = true
	}
	if outcome.IsNewFinalized {
		t.hasNewFinalized = true
	}
}

// flushNotifications implements spec.md §4.2 step 3. It only runs once
// the machine is back to Idle (pump()'s caller guarantees this), so
// BestBlockHeader/FinalizedBlockHeader reflect the latest verified
// state.
func (t *relayTask) flushNotifications() {
	idle, ok := t.machine.AsIdle()
	if !ok {
		return
	}

	if t.hasNewBest {
		best := idle.BestBlockHeader()
		encoded := header.Encode(best)
		for _, s := range t.bestSubs {
			s.Send(encoded)
		}
		metrics.BestBlockHeight.Set(float64(best.Number))
		t.hasNewBest = false
		yield()
	}

	if t.hasNewFinalized {
		info := idle.AsChainInformation()
		if info.Finality.Kind == chain.FinalityGrandpa {
			t.pushLocalGrandpaState(idle, info)
		}
		finalized := idle.FinalizedBlockHeader()
		encoded := header.Encode(finalized)
		for _, s := range t.finalizedSubs {
			s.Send(encoded)
		}
		metrics.FinalizedBlockHeight.Set(float64(finalized.Number))
		t.hasNewFinalized = false
		yield()
	}
}

func (t *relayTask) pushLocalGrandpaState(idle *allsync.Idle, info chain.Information) {
	height := idle.FinalizedBlockHeader().Number
	if height > maxGrandpaHeight {
		if !t.warnedHeightSaturation {
			t.warnedHeightSaturation = true
			t.log.Warn("finalized height exceeds uint32 range, saturating for grandpa gossip", "height", height)
		}
		height = maxGrandpaHeight
	}
	t.cfg.NetworkService.SetLocalGrandpaState(
		t.cfg.ChainIndex,
		grandpaRoundNumberPlaceholder,
		info.Finality.AfterFinalizedBlockAuthoritiesSetID,
		height,
	)
}
