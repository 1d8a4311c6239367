// Package chain is the Chain Follower (C5): the only writer of chain-state
// events into the Store other than the Spend Builder/Orchestrator's own
// derivation-index bumps. It runs as a plain thread loop (spec §9), polling
// the bitcoind collaborator at its own cadence and applying whatever it
// observes to the Store as one batch (spec §4.5).
package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/bitcoind"
	"github.com/lianahq/lianad/internal/store"
)

// DefaultPollInterval is how often the follower polls bitcoind absent a
// poll-now signal.
const DefaultPollInterval = 30 * time.Second

// Batch is everything one follower pass may have observed, applied to the
// Store as a unit (spec §4.5): a new tip, newly observed unconfirmed coins,
// confirmations, spends, spend confirmations, and mempool evictions
// ("unspends"). Any field left at its zero value contributes nothing.
type Batch struct {
	Tip                *store.BlockInfo
	NewCoins           []store.Coin
	Confirmations      map[wire.OutPoint]store.BlockInfo
	Spends             map[wire.OutPoint]chainhash.Hash
	SpendConfirmations map[wire.OutPoint]store.BlockInfo
	Unspent            []wire.OutPoint
}

// Follower owns the thread loop that keeps a wallet's Store in sync with
// bitcoind. Callers drive actual coin discovery (watching the wallet's
// descriptor against bitcoind is a host concern beyond the eight
// collaborator calls spec §6 enumerates); the Follower itself is
// responsible for applying whatever is found, detecting reorgs against the
// stored tip, and running the is_from_self fixpoint after every batch that
// might advance a confirmation.
type Follower struct {
	Log          hclog.Logger
	Store        *store.Store
	Bitcoind     bitcoind.Interface
	Network      string
	PollInterval time.Duration

	// Observe, if set, is called once per loop iteration to gather a
	// Batch beyond the tip itself (new coins, confirmations, spends).
	// A nil Observe means the follower only tracks the tip and reorgs.
	Observe func(ctx context.Context, tip store.BlockInfo) (Batch, error)

	pollNow chan struct{}
	stop    chan struct{}
}

// NewFollower builds a Follower with its signalling channels ready.
func NewFollower(log hclog.Logger, s *store.Store, b bitcoind.Interface, network string) *Follower {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Follower{
		Log:          log.Named("chain-follower"),
		Store:        s,
		Bitcoind:     b,
		Network:      network,
		PollInterval: DefaultPollInterval,
		pollNow:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// PollNow requests an out-of-cadence poll, used after a successful broadcast
// so the just-sent transaction is picked up immediately (spec §4.4). It
// never blocks: a poll already pending absorbs the request.
func (f *Follower) PollNow() {
	select {
	case f.pollNow <- struct{}{}:
	default:
	}
}

// Stop ends Run's loop. Safe to call once.
func (f *Follower) Stop() {
	close(f.stop)
}

// Run is the plain thread loop (spec §9): it polls on a fixed cadence or a
// PollNow signal until ctx is cancelled or Stop is called, logging and
// continuing past a single pass's error rather than exiting the loop.
func (f *Follower) Run(ctx context.Context) {
	interval := f.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := f.PollOnce(ctx); err != nil {
			f.Log.Error("chain follower pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-f.pollNow:
		case <-ticker.C:
		}
	}
}

// PollOnce runs one follower pass: it reads bitcoind's current tip, rolls
// the Store back to it if its height is below the stored tip's height,
// gathers whatever Observe reports, and applies the result as one batch.
// Block hashes are not compared, so a reorg to a tip at the same or a
// greater height than the stored one is not detected here.
func (f *Follower) PollOnce(ctx context.Context) error {
	height, hash, err := f.Bitcoind.ChainTip(ctx)
	if err != nil {
		return err
	}
	newTip := store.BlockInfo{Height: height, Hash: hash}

	prevTip, err := f.Store.GetTip(ctx, f.Network)
	if err != nil {
		return err
	}
	prevHeight := int32(0)
	if prevTip != nil {
		prevHeight = prevTip.Height
		if newTip.Height < prevTip.Height {
			if err := f.Store.RollbackTip(ctx, f.Network, newTip); err != nil {
				return err
			}
		}
	}

	batch := Batch{Tip: &newTip}
	if f.Observe != nil {
		observed, err := f.Observe(ctx, newTip)
		if err != nil {
			return err
		}
		batch.NewCoins = observed.NewCoins
		batch.Confirmations = observed.Confirmations
		batch.Spends = observed.Spends
		batch.SpendConfirmations = observed.SpendConfirmations
		batch.Unspent = observed.Unspent
	}

	return f.ApplyBatch(ctx, prevHeight, batch)
}

// ApplyBatch writes one observed Batch to the Store in the order spec §4.5
// implies: new coins and confirmations before spends, spends before spend
// confirmations, evictions before the tip moves, and the tip last so a
// crash mid-batch is retried from a consistent point. It finishes by
// running update_coins_from_self over everything newly confirmed.
func (f *Follower) ApplyBatch(ctx context.Context, prevTipHeight int32, batch Batch) error {
	if len(batch.NewCoins) > 0 {
		wallet, err := f.Store.GetWallet(ctx)
		if err != nil {
			return err
		}
		if wallet != nil {
			if err := f.Store.InsertCoins(ctx, wallet.ID, batch.NewCoins); err != nil {
				return err
			}
		}
	}
	if len(batch.Confirmations) > 0 {
		tipHeight := prevTipHeight
		if batch.Tip != nil {
			tipHeight = batch.Tip.Height
		}
		if err := f.Store.ConfirmCoins(ctx, tipHeight, batch.Confirmations); err != nil {
			return err
		}
	}
	if len(batch.Unspent) > 0 {
		if err := f.Store.UnspendMempoolEvictions(ctx, batch.Unspent); err != nil {
			return err
		}
	}
	if len(batch.Spends) > 0 {
		if err := f.Store.SpendCoins(ctx, batch.Spends); err != nil {
			return err
		}
	}
	if len(batch.SpendConfirmations) > 0 {
		if err := f.Store.ConfirmSpend(ctx, batch.SpendConfirmations); err != nil {
			return err
		}
	}

	if len(batch.Confirmations) > 0 || len(batch.SpendConfirmations) > 0 {
		if err := f.Store.UpdateCoinsFromSelf(ctx, prevTipHeight); err != nil {
			return err
		}
	}

	if batch.Tip != nil {
		if err := f.Store.UpdateTip(ctx, f.Network, *batch.Tip); err != nil {
			return err
		}
	}
	return nil
}
