// Package syncservice assembles the two background sync tasks (relay
// chain, parachain) and the foreground facade in front of them. See
// relay.go and parachain.go for the tasks themselves.
package syncservice

import (
	"sync"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/insipx/smoldot/allsync"
	"github.com/insipx/smoldot/chain"
	"github.com/insipx/smoldot/lossychan"
	"github.com/insipx/smoldot/netservice"
	"github.com/insipx/smoldot/runtimeservice"
)

// Executor spawns a background task. The caller supplies this so the
// host application controls the task's goroutine/thread-pool
// placement (spec.md §4.1: "through a caller-supplied task executor").
type Executor func(fn func())

// Config configures a relay-chain sync task.
type Config struct {
	ChainIndex           int
	ChainInformation     chain.Information
	NetworkService       netservice.Service
	HeaderVerifier        allsync.HeaderVerifier
	WarpSyncVerifier      allsync.WarpSyncVerifier
	StorageProofVerifier  allsync.StorageProofVerifier
	JustificationVerifier allsync.JustificationVerifier
	Full                  bool
	Executor             Executor
	Log                  log.Logger
	// Clock is consulted for header-verification timestamps. Nil
	// defaults to mclock.System{}; tests inject mclock.Simulated for
	// determinism (SPEC_FULL.md §3 "Clock").
	Clock mclock.Clock
}

// ConfigParachain configures a parachain sync task.
type ConfigParachain struct {
	ParaID         uint32
	RuntimeService runtimeservice.Service
	Executor       Executor
	Log            log.Logger
}

// Handle is the foreground facade in front of a running background
// task (spec.md §4.1). The zero value is not usable; obtain one from
// NewRelay or NewParachain.
type Handle struct {
	mu           sync.Mutex
	toBackground chan message
}

func newHandle() *Handle {
	return &Handle{toBackground: make(chan message, 8)}
}

func (h *Handle) send(m message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toBackground <- m
}

// IsNearHeadOfChainHeuristic reports the background task's advisory
// opinion on whether it is close to the network's head. The result is
// for display only (spec.md §4.1).
func (h *Handle) IsNearHeadOfChainHeuristic() bool {
	reply := make(chan bool, 1)
	h.send(msgIsNearHeadOfChainHeuristic{reply: reply})
	return <-reply
}

// SubscribeBest returns the current best-block header and a lossy
// receiver of future ones.
func (h *Handle) SubscribeBest() ([]byte, lossychan.Receiver[[]byte]) {
	reply := make(chan subscribeReply, 1)
	h.send(msgSubscribeBest{reply: reply})
	r := <-reply
	return r.header, r.receiver
}

// SubscribeFinalized returns the current finalized-block header and a
// lossy receiver of future ones.
func (h *Handle) SubscribeFinalized() ([]byte, lossychan.Receiver[[]byte]) {
	reply := make(chan subscribeReply, 1)
	h.send(msgSubscribeFinalized{reply: reply})
	r := <-reply
	return r.header, r.receiver
}

// NewRelay builds a relay-chain sync task and spawns it through the
// configured Executor, returning once the task is running.
func NewRelay(cfg Config) *Handle {
	h := newHandle()
	t := newRelayTask(cfg, h.toBackground)
	started := make(chan struct{})
	cfg.Executor(func() {
		close(started)
		t.run()
	})
	<-started
	return h
}

// NewParachain builds a parachain sync task and spawns it through the
// configured Executor, returning once the task is running.
func NewParachain(cfg ConfigParachain) *Handle {
	h := newHandle()
	t := newParachainTask(cfg, h.toBackground)
	started := make(chan struct{})
	cfg.Executor(func() {
		close(started)
		t.run()
	})
	<-started
	return h
}
