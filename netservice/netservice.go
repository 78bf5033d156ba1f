// Package netservice declares the networking boundary the sync tasks
// dispatch requests through and receive peer events from. Actually
// opening TCP/QUIC connections, running the libp2p handshake and
// GossipSub are external collaborators out of scope here; this package
// only defines the narrow surface the tasks need and a Fake
// implementation used by tests.
package netservice

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// PeerID opaquely identifies a network peer.
type PeerID string

// EventKind tags the variant of Event a background task consumes off
// its event stream.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventBlockAnnounce
	EventGrandpaCommitMessage
)

// Event is the narrow view of a network happening the sync task reacts
// to. ChainIndex distinguishes which of several configured chains
// (relay chain plus zero or more parachains) a peer event belongs to;
// a task only reacts to events for its own index and otherwise ignores
// them, per the foreign-chain-event-is-not-an-error rule.
type Event struct {
	Kind       EventKind
	PeerID     PeerID
	ChainIndex int

	BestBlockNumber uint64
	BestBlockHash   common.Hash

	Announce []byte // SCALE-encoded header, for EventBlockAnnounce
	IsBest   bool   // for EventBlockAnnounce

	GrandpaCommitMessage []byte // for EventGrandpaCommitMessage
}

// BlockRequest describes a request for a contiguous range of blocks
// (allsync.BlocksRequestDetail, carried opaquely through this boundary).
type BlockRequest struct {
	ChainIndex           int
	FirstBlockNumber     uint64
	Ascending            bool
	NumBlocks            uint64
	RequestHeader        bool
	RequestBody          bool
	RequestJustification bool
}

// BlockResponseItem is one block returned by a BlockRequest.
type BlockResponseItem struct {
	ScaleEncodedHeader        []byte
	ScaleEncodedJustification []byte
	ScaleEncodedBody          [][]byte
}

// Service is the narrow networking surface a sync task depends on.
// Every request method blocks until it has a result or ctx is
// cancelled; cancelling ctx is how a task aborts an in-flight request
// when its owning source disconnects.
type Service interface {
	// Events returns the channel of events for every configured chain.
	// Closed when the service is shut down.
	Events() <-chan Event

	BlocksRequest(ctx context.Context, peer PeerID, req BlockRequest) ([]BlockResponseItem, error)
	GrandpaWarpSyncRequest(ctx context.Context, peer PeerID, chainIndex int, startBlockHash common.Hash) ([]byte, error)
	StorageGetRequest(ctx context.Context, peer PeerID, chainIndex int, blockHash common.Hash, keys [][]byte) ([][]byte, error)

	// SetLocalGrandpaState announces this node's own finalized round to
	// the network so peers can make progress against it; a no-op chain
	// (FinalityNone) never calls this.
	SetLocalGrandpaState(chainIndex int, roundNumber uint64, setID uint64, commitFinalizedHeight uint64)
}
