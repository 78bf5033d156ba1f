package syncservice

import "github.com/insipx/smoldot/lossychan"

// subscribeReply is the shape returned by both subscription messages:
// the current header plus a lossy receiver for future ones (spec.md
// §4.1).
type subscribeReply struct {
	header   []byte
	receiver lossychan.Receiver[[]byte]
}

// message is the sealed set of requests the foreground facade may send
// to a background task. Each case carries its own single-shot reply
// channel; the background task never replies out of band.
type message interface {
	isMessage()
}

type msgIsNearHeadOfChainHeuristic struct {
	reply chan bool
}

type msgSubscribeBest struct {
	reply chan subscribeReply
}

type msgSubscribeFinalized struct {
	reply chan subscribeReply
}

func (msgIsNearHeadOfChainHeuristic) isMessage() {}
func (msgSubscribeBest) isMessage()              {}
func (msgSubscribeFinalized) isMessage()         {}
