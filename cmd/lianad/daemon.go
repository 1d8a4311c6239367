package main

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/bitcoind"
	"github.com/lianahq/lianad/internal/chain"
	"github.com/lianahq/lianad/internal/orchestrator"
	"github.com/lianahq/lianad/internal/policy"
	"github.com/lianahq/lianad/internal/spend"
	"github.com/lianahq/lianad/internal/store"
)

// Daemon bundles the core's components into the one object a command
// surface (out of scope here; spec's Non-goals) would be built against:
// the Spend Builder composes PSBTs, the Orchestrator manages drafts, and
// the Follower keeps the Store in sync, all sharing one bitcoind
// collaborator and one Store connection (spec §4's data-flow: every
// stateful component acts through the Store).
type Daemon struct {
	Store        *store.Store
	Builder      *spend.Builder
	Orchestrator *orchestrator.Orchestrator
	Follower     *chain.Follower
}

// NewDaemon wires a Daemon's components for one already-initialised wallet.
func NewDaemon(log hclog.Logger, s *store.Store, descriptor *policy.LianaDescriptor, bc bitcoind.Interface, params *chaincfg.Params, pollIntervalSeconds int) *Daemon {
	builder := &spend.Builder{
		Log:        log.Named("spend"),
		Store:      s,
		Descriptor: descriptor,
		Bitcoind:   bc,
		Params:     params,
	}
	orch := &orchestrator.Orchestrator{
		Log:      log.Named("orchestrator"),
		Store:    s,
		Bitcoind: bc,
	}
	follower := chain.NewFollower(log, s, bc, params.Name)
	follower.PollInterval = time.Duration(pollIntervalSeconds) * time.Second
	orch.PollNow = follower.PollNow

	return &Daemon{Store: s, Builder: builder, Orchestrator: orch, Follower: follower}
}

// Run blocks running the chain follower's loop until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.Follower.Run(ctx)
}
