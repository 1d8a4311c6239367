// Package spend builds unsigned PSBTs from a set of owned coins: regular
// spends, RBF replacements, and timelock-gated recovery sweeps (spec §4.3).
package spend

import (
	"context"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lianahq/lianad/internal/errs"
	"github.com/lianahq/lianad/internal/store"
)

// Candidate is one coin eligible for selection, carrying the mempool
// ancestor data needed to pay for its own unconfirmed ancestry when it
// isn't yet confirmed.
type Candidate struct {
	Coin           store.Coin
	MustSelect     bool
	AncestorVsize  int64
	AncestorFee    int64
}

// gatherAutoCandidates builds the auto-mode candidate set: every confirmed
// coin, plus unconfirmed coins that are is_from_self (spec §4.3 — plain
// unconfirmed external deposits are excluded since they may be evicted from
// the mempool).
//
// extraOutpoints folds in coins that wouldn't otherwise qualify — RBF's
// cancel mode needs the replaced transaction's own inputs back in the free
// pool even though the store shows them as spent by replacing (spec §4.3
// item 6). They're added as optional candidates unless extraMandatory
// requests they be forced into selection.
func (b *Builder) gatherAutoCandidates(ctx context.Context, extraOutpoints []wire.OutPoint, extraMandatory bool, replacing *chainhash.Hash) ([]Candidate, error) {
	coins, err := b.Store.Coins(ctx, store.CoinsFilter{Statuses: []store.CoinStatus{
		store.CoinConfirmed, store.CoinUnconfirmed,
	}})
	if err != nil {
		return nil, err
	}
	var out []Candidate
	seen := make(map[wire.OutPoint]int, len(coins)+len(extraOutpoints))
	for _, c := range coins {
		if c.IsImmature {
			continue
		}
		if c.BlockHeight == nil && !c.IsFromSelf {
			continue
		}
		cand := Candidate{Coin: c}
		if c.BlockHeight == nil && b.Bitcoind != nil {
			txid := c.Outpoint.Hash
			entry, ok, err := b.Bitcoind.MempoolEntry(ctx, txid)
			if err != nil {
				return nil, err
			}
			if ok {
				cand.AncestorVsize = entry.AncestorVsize
				cand.AncestorFee = entry.AncestorFee
			}
		}
		seen[c.Outpoint] = len(out)
		out = append(out, cand)
	}

	if len(extraOutpoints) == 0 {
		return out, nil
	}
	extraCoins, err := b.Store.Coins(ctx, store.CoinsFilter{Outpoints: extraOutpoints})
	if err != nil {
		return nil, err
	}
	for _, c := range extraCoins {
		if idx, ok := seen[c.Outpoint]; ok {
			if extraMandatory {
				out[idx].MustSelect = true
			}
			continue
		}
		spentByReplacedTx := replacing != nil && c.SpendTxid != nil && *c.SpendTxid == *replacing
		if !spentByReplacedTx && (c.Status() == store.CoinSpentConfirmed || c.Status() == store.CoinSpentUnconfirmed) {
			continue
		}
		if c.IsImmature {
			continue
		}
		out = append(out, Candidate{Coin: c, MustSelect: extraMandatory})
	}
	return out, nil
}

// gatherManualCandidates builds the manual-mode candidate set: exactly the
// caller-supplied outpoints, each required to exist, be unspent, and not be
// an immature coinbase (spec §4.3). A coin spent by replacing is not
// treated as already-spent: that's the RBF case of reusing the replaced
// transaction's own inputs.
func (b *Builder) gatherManualCandidates(ctx context.Context, outpoints []wire.OutPoint, replacing *chainhash.Hash) ([]Candidate, error) {
	coins, err := b.Store.Coins(ctx, store.CoinsFilter{Outpoints: outpoints})
	if err != nil {
		return nil, err
	}
	byOutpoint := make(map[wire.OutPoint]store.Coin, len(coins))
	for _, c := range coins {
		byOutpoint[c.Outpoint] = c
	}
	out := make([]Candidate, 0, len(outpoints))
	for _, op := range outpoints {
		c, ok := byOutpoint[op]
		if !ok {
			return nil, errs.New(errs.KindUnknown, "unknown outpoint %s:%d", op.Hash, op.Index)
		}
		spentByReplacedTx := replacing != nil && c.SpendTxid != nil && *c.SpendTxid == *replacing
		if !spentByReplacedTx && (c.Status() == store.CoinSpentConfirmed || c.Status() == store.CoinSpentUnconfirmed) {
			return nil, errs.New(errs.KindStateViolation, "outpoint %s:%d is already spent", op.Hash, op.Index)
		}
		if c.IsImmature {
			return nil, errs.New(errs.KindStateViolation, "outpoint %s:%d is an immature coinbase", op.Hash, op.Index)
		}
		out = append(out, Candidate{Coin: c, MustSelect: true})
	}
	return out, nil
}

// selectCandidates picks candidates to cover targetSat plus the fee their
// own selection implies, largest-amount-first among the freely-selectable
// candidates, after first including every must_select candidate (spec
// §4.3). inputVsize is the vbyte size of one input and baseVbytes covers
// the nude transaction plus its outputs; both are priced at feerate sat/vB.
func selectCandidates(candidates []Candidate, targetSat uint64, feerate uint64, inputVsize, baseVbytes int) (selected []Candidate, totalIn uint64, ok bool) {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MustSelect != sorted[j].MustSelect {
			return sorted[i].MustSelect
		}
		return sorted[i].Coin.AmountSat > sorted[j].Coin.AmountSat
	})

	var chosen []Candidate
	var sumIn uint64
	var sumAncestorFee uint64
	for _, c := range sorted {
		if !c.MustSelect && sumIn >= targetSat+requiredFee(len(chosen), inputVsize, baseVbytes, feerate)+sumAncestorFee {
			break
		}
		chosen = append(chosen, c)
		sumIn += c.Coin.AmountSat
		sumAncestorFee += uint64(c.AncestorFee)
	}

	fee := requiredFee(len(chosen), inputVsize, baseVbytes, feerate) + sumAncestorFee
	if sumIn < targetSat+fee {
		return chosen, sumIn, false
	}
	return chosen, sumIn, true
}

// requiredFee is the fee, at feerate sat/vB, for a transaction with
// numInputs inputs of inputVsize each on top of baseVbytes (everything
// else: version/locktime/input and output counts and output bytes; the
// segwit marker/flag is not counted).
func requiredFee(numInputs int, inputVsize int, baseVbytes int, feerate uint64) uint64 {
	return uint64(baseVbytes+numInputs*inputVsize) * feerate
}
