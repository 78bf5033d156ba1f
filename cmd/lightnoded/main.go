// Command lightnoded is a small demonstration entry point, in the
// teacher's cmd/geth idiom: parse flags with urfave/cli/v2, assemble a
// syncservice.Config, spawn the background sync task, and print best
// and finalized headers as they arrive. It stands in for "the thin
// public facade's real host process" (spec.md §1) — the actual
// networking and runtime services are out of scope collaborators, so
// this binary drives the relay task against an in-process demo peer
// instead of a real libp2p swarm.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/insipx/smoldot/chain"
	"github.com/insipx/smoldot/header"
	"github.com/insipx/smoldot/lossychan"
	"github.com/insipx/smoldot/netservice"
	"github.com/insipx/smoldot/proof"
	"github.com/insipx/smoldot/syncservice"
)

var (
	chainIndexFlag = &cli.IntFlag{
		Name:  "chain-index",
		Value: 0,
		Usage: "networking-service chain index this node tracks",
	}
	targetHeightFlag = &cli.Uint64Flag{
		Name:  "demo-target-height",
		Value: 1000,
		Usage: "height the built-in demo peer announces as its best block",
	}
	fullFlag = &cli.BoolFlag{
		Name:  "full",
		Usage: "request full block bodies in addition to headers",
	}
)

func main() {
	app := &cli.App{
		Name:  "lightnoded",
		Usage: "run the background chain-sync task against a demo peer and print its notifications",
		Flags: []cli.Flag{chainIndexFlag, targetHeightFlag, fullFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := log.New()

	chainIndex := c.Int(chainIndexFlag.Name)
	targetHeight := c.Uint64(targetHeightFlag.Name)

	net := netservice.NewFake(64)
	genesis := header.Header{Number: 0}
	peerID := netservice.PeerID(uuid.NewString())

	net.BlocksResponder = demoBlocksResponder(genesis, targetHeight)

	handle := syncservice.NewRelay(syncservice.Config{
		ChainIndex: chainIndex,
		ChainInformation: chain.Information{
			FinalizedBlockHeader: genesis,
			Finality:             chain.Finality{Kind: chain.FinalityGrandpa},
		},
		NetworkService:        net,
		HeaderVerifier:        proof.HeaderVerifier{},
		WarpSyncVerifier:      proof.WarpSyncVerifier{},
		StorageProofVerifier:  proof.StorageProofVerifier{},
		JustificationVerifier: proof.JustificationVerifier{},
		Full:                  c.Bool(fullFlag.Name),
		Executor:              func(fn func()) { go fn() },
		Log:                   logger,
	})

	_, bestRecv := handle.SubscribeBest()
	_, finalizedRecv := handle.SubscribeFinalized()

	net.Emit(netservice.Event{
		Kind:            netservice.EventConnected,
		PeerID:          peerID,
		ChainIndex:      chainIndex,
		BestBlockNumber: targetHeight,
		BestBlockHash:   demoHash(targetHeight),
	})

	go printHeaders(logger, "best", bestRecv)
	go printHeaders(logger, "finalized", finalizedRecv)

	for !handle.IsNearHeadOfChainHeuristic() {
		time.Sleep(50 * time.Millisecond)
	}
	logger.Info("reached head of chain", "targetHeight", targetHeight)
	return nil
}

func printHeaders(logger log.Logger, kind string, recv lossychan.Receiver[[]byte]) {
	for {
		raw, ok := recv.Recv()
		if !ok {
			return
		}
		h, err := header.Decode(raw)
		if err != nil {
			logger.Warn("undecodable notification", "kind", kind, "err", err)
			continue
		}
		logger.Info("new notification", "kind", kind, "number", h.Number)
	}
}

// demoBlocksResponder returns a synthetic linear chain from genesis to
// targetHeight, in the shape a real networking service's BlocksRequest
// would produce.
func demoBlocksResponder(genesis header.Header, targetHeight uint64) func(context.Context, netservice.PeerID, netservice.BlockRequest) ([]netservice.BlockResponseItem, error) {
	chainHeaders := make(map[uint64]header.Header, targetHeight+1)
	chainHeaders[genesis.Number] = genesis
	prev := genesis
	for n := genesis.Number + 1; n <= targetHeight; n++ {
		h := header.Header{Number: n, Hash: demoHash(n), ParentHash: prev.Hash}
		chainHeaders[n] = h
		prev = h
	}

	return func(_ context.Context, _ netservice.PeerID, req netservice.BlockRequest) ([]netservice.BlockResponseItem, error) {
		var items []netservice.BlockResponseItem
		for n := req.FirstBlockNumber; uint64(len(items)) < req.NumBlocks; n++ {
			h, ok := chainHeaders[n]
			if !ok {
				break
			}
			items = append(items, netservice.BlockResponseItem{
				ScaleEncodedHeader:        header.Encode(h),
				ScaleEncodedJustification: proof.EncodeJustification(h),
			})
		}
		return items, nil
	}
}

func demoHash(n uint64) (h [32]byte) {
	h[31] = byte(n)
	h[30] = byte(n >> 8)
	h[29] = byte(n >> 16)
	return h
}
