// Package runtimeservice declares the boundary the parachain sync task
// uses to watch the relay chain's best block and invoke runtime calls
// against it. Actually executing a Wasm runtime is an external
// collaborator out of scope here (spec.md §1's "runtime caller"); this
// package only defines the surface the parachain task needs.
package runtimeservice

import "context"

// RuntimeCallError wraps a failed runtime call, distinguishing a
// genuine network/availability problem (worth retrying, logged at
// debug) from every other failure (logged at warn, see spec.md §7).
type RuntimeCallError struct {
	msg            string
	isNetworkIssue bool
}

func (e *RuntimeCallError) Error() string { return e.msg }

// IsNetworkProblem reports whether the call failed because no suitable
// peer could be reached, as opposed to e.g. the runtime call itself
// trapping or returning malformed output.
func (e *RuntimeCallError) IsNetworkProblem() bool { return e.isNetworkIssue }

// NewNetworkRuntimeCallError builds a RuntimeCallError flagged as a
// network problem.
func NewNetworkRuntimeCallError(msg string) error {
	return &RuntimeCallError{msg: msg, isNetworkIssue: true}
}

// NewRuntimeCallError builds a RuntimeCallError not attributable to the
// network (a bad runtime call name, invalid parameters, a Wasm trap).
func NewRuntimeCallError(msg string) error {
	return &RuntimeCallError{msg: msg}
}

// BestBlockUpdate notifies of a new relay-chain best block. ScaleEncodedHeader
// carries the block header opaquely.
type BestBlockUpdate struct {
	ScaleEncodedHeader []byte
}

// Service is the relay-chain runtime-service surface the parachain task
// subscribes to and calls into.
type Service interface {
	// SubscribeBest returns the relay chain's current best block
	// followed by every subsequent new best, and an unsubscribe func.
	// The channel is closed once Unsubscribe is called or the service
	// shuts down.
	SubscribeBest() (current BestBlockUpdate, updates <-chan BestBlockUpdate, unsubscribe func())

	// RecentBestBlockRuntimeCall invokes the named runtime entry point
	// against a recent relay-chain best block with the given
	// SCALE-encoded parameters, returning the SCALE-encoded result.
	RecentBestBlockRuntimeCall(ctx context.Context, name string, params []byte) ([]byte, error)
}
