// Package metrics exposes the sync tasks' ambient observability
// surface: request-dispatch counters, verification-error counters, and
// best/finalized height gauges, in the "promauto global registry"
// style gossamer's own chain-sync module uses
// (other_examples/423cd69f_ec2-gossamer__dot-sync-chain_sync.go.go).
// Nothing in spec.md requires metrics — it is explicitly out of scope
// as a consensus concern — but ambient observability is carried
// regardless of functional non-goals (SPEC_FULL.md §3).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsDispatched counts every request the relay task starts,
	// by kind ("blocks", "grandpa_warp_sync", "storage_get").
	RequestsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lightnode_sync",
		Name:      "requests_dispatched_total",
		Help:      "Number of network requests dispatched by the sync task, by kind.",
	}, []string{"kind"})

	// VerificationErrors counts header, warp-sync, storage-proof and
	// justification verification failures (spec.md §7: logged at warn,
	// non-fatal).
	VerificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lightnode_sync",
		Name:      "verification_errors_total",
		Help:      "Number of verification failures, by kind.",
	}, []string{"kind"})

	// BestBlockHeight is the relay task's current best block number.
	BestBlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lightnode_sync",
		Name:      "best_block_height",
		Help:      "Current best block number known to the sync task.",
	})

	// FinalizedBlockHeight is the relay task's current finalized block
	// number.
	FinalizedBlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lightnode_sync",
		Name:      "finalized_block_height",
		Help:      "Current finalized block number known to the sync task.",
	})

	// ParachainHeadStalls counts parachain runtime-call failures, by
	// whether they were network-caused (spec.md §7).
	ParachainHeadStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lightnode_sync",
		Name:      "parachain_head_stalls_total",
		Help:      "Number of failed parachain validation-data calls, by cause.",
	}, []string{"cause"})
)
