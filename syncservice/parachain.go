package syncservice

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/log"

	"github.com/insipx/smoldot/internal/metrics"
	"github.com/insipx/smoldot/lossychan"
	"github.com/insipx/smoldot/para"
	"github.com/insipx/smoldot/runtimeservice"
)

// parachainValidationDataEntryPoint is the runtime entry point the
// parachain task calls on every new relay best block (spec.md §4.3).
const parachainValidationDataEntryPoint = "ParachainHost_persisted_validation_data"

// parachainTask is the parachain background sync task (spec.md §4.3):
// a simpler loop than the relay task's, with no AllSync machine and no
// network requests of its own — it derives its head entirely from
// runtime calls against the relay chain's best block.
type parachainTask struct {
	cfg ConfigParachain
	log log.Logger

	fromForeground     <-chan message
	runtimeUpdates     <-chan runtimeservice.BestBlockUpdate
	unsubscribeRuntime func()

	// currentBest is the raw head-data bytes of the parachain's
	// current best block, returned synchronously to SubscribeBest
	// callers (spec.md §3 "current_best_block").
	currentBest []byte

	// currentFinalized is fixed at construction and never updated:
	// parachain finality is entirely unimplemented upstream (spec.md
	// §9), so a finalized subscriber only ever observes the
	// construction-time value.
	currentFinalized []byte

	// previousBestHeadDataHash suppresses duplicate notifications when
	// consecutive relay blocks derive the same parachain head (spec.md
	// §3, §8 "Duplicate suppression"). nil means unpopulated.
	previousBestHeadDataHash *[32]byte

	bestSubs      []lossychan.Sender[[]byte]
	finalizedSubs []lossychan.Sender[[]byte]
}

func newParachainTask(cfg ConfigParachain, fromForeground <-chan message) *parachainTask {
	current, updates, unsubscribe := cfg.RuntimeService.SubscribeBest()

	l := cfg.Log
	if l == nil {
		l = log.Root()
	}

	return &parachainTask{
		cfg:                cfg,
		log:                l,
		fromForeground:     fromForeground,
		runtimeUpdates:     updates,
		unsubscribeRuntime: unsubscribe,
		currentFinalized:   current.ScaleEncodedHeader,
	}
}

func (t *parachainTask) run() {
	defer t.unsubscribeRuntime()
	for {
		select {
		case upd, ok := <-t.runtimeUpdates:
			if !ok {
				return
			}
			t.handleRelayBest(upd)
		case m, ok := <-t.fromForeground:
			if !ok {
				return
			}
			t.handleMessage(m)
		}
	}
}

// handleRelayBest implements spec.md §4.3's "for every new relay best
// block" loop.
func (t *parachainTask) handleRelayBest(runtimeservice.BestBlockUpdate) {
	params := para.EncodeParams(para.ParaID(t.cfg.ParaID), para.AssumptionTimedOut)
	raw, err := t.cfg.RuntimeService.RecentBestBlockRuntimeCall(context.Background(), parachainValidationDataEntryPoint, params)
	if err != nil {
		// Call failure: clear the stability hash and classify the log
		// level by cause (spec.md §7, §8 S5).
		t.previousBestHeadDataHash = nil
		var callErr *runtimeservice.RuntimeCallError
		if errors.As(err, &callErr) && callErr.IsNetworkProblem() {
			metrics.ParachainHeadStalls.WithLabelValues("network").Inc()
			t.log.Debug("parachain validation data call failed", "err", err)
		} else {
			metrics.ParachainHeadStalls.WithLabelValues("other").Inc()
			t.log.Warn("parachain validation data call failed", "err", err)
		}
		return
	}

	data, ok, err := para.DecodeResult(raw)
	if err != nil {
		t.log.Warn("parachain validation data decode failed", "err", err)
		return
	}
	if !ok {
		t.log.Warn("parachain validation data call returned no head")
		return
	}

	hash := para.HeadDataHash(data.ParentHead)
	if t.previousBestHeadDataHash != nil && *t.previousBestHeadDataHash == hash {
		// Same head as last time: suppress the duplicate notification
		// (spec.md §4.3, §8 S4).
		return
	}
	t.previousBestHeadDataHash = &hash

	if _, err := para.DecodeHead(data.ParentHead); err != nil {
		// Some parachains carry non-header head data; this
		// implementation does not support it (spec.md §4.3).
		t.log.Warn("parachain head data does not decode as a header", "err", err)
		return
	}

	t.currentBest = data.ParentHead
	for _, s := range t.bestSubs {
		s.Send(data.ParentHead)
	}
}

func (t *parachainTask) handleMessage(m message) {
	switch msg := m.(type) {
	case msgIsNearHeadOfChainHeuristic:
		// True once previousBestHeadDataHash has been populated at
		// least once (spec.md §3).
		msg.reply <- t.previousBestHeadDataHash != nil

	case msgSubscribeBest:
		sender, receiver := lossychan.New[[]byte]()
		t.bestSubs = append(t.bestSubs, sender)
		msg.reply <- subscribeReply{header: t.currentBest, receiver: receiver}

	case msgSubscribeFinalized:
		sender, receiver := lossychan.New[[]byte]()
		t.finalizedSubs = append(t.finalizedSubs, sender)
		msg.reply <- subscribeReply{header: t.currentFinalized, receiver: receiver}
	}
}
