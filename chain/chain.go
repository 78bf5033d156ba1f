// Package chain describes the trusted starting point handed to a sync
// task at construction time: the finalized header the task starts
// from, and the finality gadget currently securing the chain.
package chain

import "github.com/insipx/smoldot/header"

// FinalityKind distinguishes finality gadgets. Only Grandpa publishes
// gossip state to the network on every finalization (spec.md §4.2,
// "On new finalization, if the finality description is of the
// gossip-commit variety...").
type FinalityKind int

const (
	FinalityNone FinalityKind = iota
	FinalityGrandpa
)

// Finality mirrors ChainInformationFinality(Ref) from the original: a
// tagged union, Grandpa carrying the authority-set id new finalizations
// must be gossiped under.
type Finality struct {
	Kind                             FinalityKind
	AfterFinalizedBlockAuthoritiesSetID uint64
}

// Information is the chain description passed into AllSync at
// construction (spec.md §4.2 "Build AllSync with: the initial chain
// description...").
type Information struct {
	FinalizedBlockHeader header.Header
	Finality             Finality
}
