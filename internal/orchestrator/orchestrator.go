// Package orchestrator is the PSBT Orchestrator (C4): it merges incoming
// signatures into stored spend drafts, finalises and broadcasts them, and
// lists/deletes drafts (spec §4.4). The Store owns every mutable datum; the
// Orchestrator acts as a transaction against it.
package orchestrator

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/bitcoind"
	"github.com/lianahq/lianad/internal/errs"
	"github.com/lianahq/lianad/internal/store"
)

// Orchestrator manages spend drafts against one wallet's store, broadcasting
// finished transactions through a bitcoind collaborator.
type Orchestrator struct {
	Log      hclog.Logger
	Store    *store.Store
	Bitcoind bitcoind.Interface

	// PollNow, if set, is called synchronously after a successful
	// broadcast: the "synchronous poll-now signal to the Chain Follower"
	// spec §4.4 requires, so the newly-broadcast spend is picked up
	// without waiting for the follower's own cadence.
	PollNow func()
}

// UpdateSpend stores p as a draft, per spec §4.4's update_spend. If a draft
// already exists under the same txid, partial signatures, tap-script
// signatures, and (if absent) the taproot key signature are merged into it
// input-by-input, keeping the stored PSBT as the base rather than p itself.
// p must reference only outpoints this wallet tracks as coins.
func (o *Orchestrator) UpdateSpend(ctx context.Context, p *psbt.Packet, now int64) error {
	if err := o.requireOwnedOutpoints(ctx, p.UnsignedTx); err != nil {
		return err
	}

	txid := p.UnsignedTx.TxHash()
	existing, err := o.Store.ListSpends(ctx, []chainhash.Hash{txid})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return o.Store.UpdateSpend(ctx, p, now)
	}

	base := existing[0].Psbt
	for i := range base.Inputs {
		if i >= len(p.Inputs) {
			break
		}
		mergeInput(&base.Inputs[i], &p.Inputs[i])
	}
	return o.Store.UpdateSpend(ctx, base, now)
}

// requireOwnedOutpoints rejects a PSBT that spends any outpoint this wallet
// doesn't track as a coin (spec §4.4: "Reject PSBTs referencing outpoints
// not in our coins table.").
func (o *Orchestrator) requireOwnedOutpoints(ctx context.Context, tx *wire.MsgTx) error {
	outpoints := make([]wire.OutPoint, len(tx.TxIn))
	for i, in := range tx.TxIn {
		outpoints[i] = in.PreviousOutPoint
	}
	coins, err := o.Store.Coins(ctx, store.CoinsFilter{Outpoints: outpoints})
	if err != nil {
		return err
	}
	if len(coins) != len(outpoints) {
		return errs.New(errs.KindUnknown, "spend references an outpoint we don't track")
	}
	return nil
}

// mergeInput folds incoming's signature material into base, keeping base's
// own fields where incoming has nothing new to add (spec §4.4).
func mergeInput(base, incoming *psbt.PInput) {
	base.PartialSigs = mergePartialSigs(base.PartialSigs, incoming.PartialSigs)
	base.TaprootScriptSpendSig = mergeTaprootScriptSigs(base.TaprootScriptSpendSig, incoming.TaprootScriptSpendSig)
	if len(base.TaprootKeySpendSig) == 0 && len(incoming.TaprootKeySpendSig) != 0 {
		base.TaprootKeySpendSig = incoming.TaprootKeySpendSig
	}
}

func mergePartialSigs(base, incoming []*psbt.PartialSig) []*psbt.PartialSig {
	if len(incoming) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[string(s.PubKey)] = true
	}
	for _, s := range incoming {
		if !seen[string(s.PubKey)] {
			base = append(base, s)
			seen[string(s.PubKey)] = true
		}
	}
	return base
}

func mergeTaprootScriptSigs(base, incoming []*psbt.TaprootScriptSpendSig) []*psbt.TaprootScriptSpendSig {
	if len(incoming) == 0 {
		return base
	}
	type key struct {
		pubkey string
		leaf   string
	}
	seen := make(map[key]bool, len(base))
	for _, s := range base {
		seen[key{string(s.XOnlyPubKey), string(s.LeafHash)}] = true
	}
	for _, s := range incoming {
		k := key{string(s.XOnlyPubKey), string(s.LeafHash)}
		if !seen[k] {
			base = append(base, s)
			seen[k] = true
		}
	}
	return base
}

// BroadcastSpend finalises, extracts, and broadcasts the stored draft for
// txid (spec §4.4's broadcast_spend). Finalisation is attempted per input:
// if one input fails to finalise, the rest still are, and extraction is
// still attempted against whatever finalised. A successful broadcast
// records the spend against our coins and fires PollNow.
func (o *Orchestrator) BroadcastSpend(ctx context.Context, txid chainhash.Hash) error {
	drafts, err := o.Store.ListSpends(ctx, []chainhash.Hash{txid})
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		return errs.New(errs.KindUnknown, "no spend draft stored for %s", txid)
	}
	p := drafts[0].Psbt

	for i := range p.Inputs {
		if _, err := psbt.MaybeFinalize(p, i); err != nil {
			o.Log.Warn("input failed to finalise", "txid", txid, "input", i, "error", err)
		}
	}

	finalTx, err := psbt.Extract(p)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, err, "extracting finalised transaction %s", txid)
	}
	if err := o.Bitcoind.BroadcastTx(ctx, finalTx); err != nil {
		return errs.Wrap(errs.KindStateViolation, err, "broadcasting %s", txid)
	}

	spent := make(map[wire.OutPoint]chainhash.Hash, len(finalTx.TxIn))
	for _, in := range finalTx.TxIn {
		spent[in.PreviousOutPoint] = txid
	}
	if err := o.Store.SpendCoins(ctx, spent); err != nil {
		return err
	}

	if o.PollNow != nil {
		o.PollNow()
	}
	return nil
}

// ListSpend returns the drafts matching txids (spec §4.4's list_spend).
// Unlike store.ListSpends, an explicitly empty (but non-nil) filter is
// rejected: callers must pass nil to mean "all".
func (o *Orchestrator) ListSpend(ctx context.Context, txids []chainhash.Hash) ([]store.StoredSpend, error) {
	if txids != nil && len(txids) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "empty filter list; omit it (nil) to list every spend")
	}
	return o.Store.ListSpends(ctx, txids)
}

// DeleteSpend removes a draft. It is idempotent: deleting an unknown txid is
// not an error (spec §4.4's delete_spend).
func (o *Orchestrator) DeleteSpend(ctx context.Context, txid chainhash.Hash) error {
	return o.Store.DeleteSpend(ctx, txid)
}
