package spend

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lianahq/lianad/internal/errs"
	"github.com/lianahq/lianad/internal/store"
)

// notSignalingSequence is the lowest nSequence value that does NOT signal
// replaceability per BIP125: anything >= this opts the input out of RBF.
const notSignalingSequence = wire.MaxTxInSequenceNum - 1

// RbfRequest replaces a still-unconfirmed transaction with a new one paying
// a higher fee (spec §4.3's RBF replacement).
type RbfRequest struct {
	PreviousTxid chainhash.Hash
	// IsCancel discards the previous transaction's destinations and sends
	// everything back to our own change output instead of reusing them.
	IsCancel      bool
	FeerateSatVb  uint64
	ChangeAddress btcutil.Address // optional; nil derives/infers one
}

// maxPromotionRounds bounds the candidate-promotion retry loop of a
// non-cancel replacement: one extra coin added per round, never unbounded.
// A cancel uses rbfCancel's single retry instead.
const maxPromotionRounds = 50

// Rbf replaces req.PreviousTxid, which must still be unconfirmed and must
// have signalled replaceability, with a new transaction at a bumped
// feerate (spec §4.3).
func (b *Builder) Rbf(ctx context.Context, req RbfRequest) (*Result, error) {
	if err := validateRbfFeerate(req.FeerateSatVb); err != nil {
		return nil, err
	}

	prevStored, err := b.Store.GetTransaction(ctx, req.PreviousTxid)
	if err != nil {
		return nil, err
	}
	if prevStored == nil {
		return nil, errs.New(errs.KindUnknown, "unknown transaction %s", req.PreviousTxid)
	}
	prevTx, err := decodeWireTx(prevStored.Raw)
	if err != nil {
		return nil, err
	}
	if err := requireReplaceable(prevTx); err != nil {
		return nil, err
	}

	prevOutpoints := make([]wire.OutPoint, len(prevTx.TxIn))
	for i, txin := range prevTx.TxIn {
		prevOutpoints[i] = txin.PreviousOutPoint
	}
	spentCoins, err := b.Store.Coins(ctx, store.CoinsFilter{Outpoints: prevOutpoints})
	if err != nil {
		return nil, err
	}
	if len(spentCoins) != len(prevOutpoints) {
		return nil, errs.New(errs.KindUnknown, "previous transaction %s spends an outpoint we no longer track", req.PreviousTxid)
	}

	var replacedIn uint64
	for _, c := range spentCoins {
		replacedIn += c.AmountSat
	}
	var replacedOut uint64
	for _, out := range prevTx.TxOut {
		replacedOut += uint64(out.Value)
	}
	replacedFee := replacedIn - replacedOut

	descendants, err := b.mempoolSpenders(ctx, req.PreviousTxid, len(prevTx.TxOut))
	if err != nil {
		return nil, err
	}
	var descendantFee uint64
	for _, d := range descendants {
		descendantFee += uint64(d.DescendantFee)
	}
	// BIP125 rule 4: the replacement must pay more than the fees of every
	// transaction it replaces, including their unconfirmed descendants.
	minTotalFee := replacedFee + descendantFee
	minFeerate := minTotalFee/uint64(mustVsize(prevTx)) + 1
	if req.FeerateSatVb < minFeerate {
		return nil, errs.New(errs.KindRbf, "feerate %d sat/vB does not exceed the replaced package's %d sat/vB", req.FeerateSatVb, minFeerate)
	}

	var destinations []Destination
	var inferredChange btcutil.Address
	if !req.IsCancel {
		destinations, inferredChange, err = b.inferDestinations(ctx, req.PreviousTxid, prevTx)
		if err != nil {
			return nil, err
		}
	}

	changeAddr := req.ChangeAddress
	if changeAddr == nil {
		changeAddr = inferredChange
	}

	if req.IsCancel {
		return b.rbfCancel(ctx, req, prevOutpoints, changeAddr)
	}

	mandatory := make([]wire.OutPoint, len(prevOutpoints))
	copy(mandatory, prevOutpoints)

	extra, err := b.gatherAutoCandidates(ctx, nil, false, nil)
	if err != nil {
		return nil, err
	}
	mandatorySet := make(map[wire.OutPoint]bool, len(mandatory))
	for _, op := range mandatory {
		mandatorySet[op] = true
	}
	var promotable []store.Coin
	for _, c := range extra {
		if !mandatorySet[c.Coin.Outpoint] {
			promotable = append(promotable, c.Coin)
		}
	}

	outpoints := mandatory
	for round := 0; ; round++ {
		result, err := b.Build(ctx, Request{
			Destinations:  destinations,
			Outpoints:     outpoints,
			FeerateSatVb:  req.FeerateSatVb,
			ChangeAddress: changeAddr,
			Replacing:     &req.PreviousTxid,
		})
		if err != nil {
			return nil, err
		}
		if result.InsufficientFunds == nil {
			return result, nil
		}
		if len(promotable) == 0 || round >= maxPromotionRounds {
			return result, nil
		}
		outpoints = append(outpoints, promotable[0].Outpoint)
		promotable = promotable[1:]
	}
}

// rbfCancel builds a cancel replacement: the previous inputs start as
// optional candidates alongside the usual confirmed/is_from_self pool
// (spec §4.3 item 6), rather than forced in from round 0. Only if that
// leaves the transaction underfunded are all of the previous inputs
// promoted to mandatory together, and the build retried once.
func (b *Builder) rbfCancel(ctx context.Context, req RbfRequest, prevOutpoints []wire.OutPoint, changeAddr btcutil.Address) (*Result, error) {
	result, err := b.Build(ctx, Request{
		FeerateSatVb:   req.FeerateSatVb,
		ChangeAddress:  changeAddr,
		Replacing:      &req.PreviousTxid,
		ReplacedInputs: prevOutpoints,
	})
	if err != nil {
		return nil, err
	}
	if result.InsufficientFunds == nil {
		return result, nil
	}

	result, err = b.Build(ctx, Request{
		FeerateSatVb:            req.FeerateSatVb,
		ChangeAddress:           changeAddr,
		Replacing:               &req.PreviousTxid,
		ReplacedInputs:          prevOutpoints,
		ReplacedInputsMandatory: true,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func validateRbfFeerate(feerate uint64) error {
	if feerate == 0 {
		return errs.New(errs.KindRbf, "a replacement feerate is required")
	}
	if feerate > MaxFeerate {
		return errs.New(errs.KindRbf, "feerate %d sat/vB exceeds the maximum of %d", feerate, MaxFeerate)
	}
	return nil
}

// requireReplaceable enforces BIP125 rule 1: at least one input of the
// transaction being replaced must have signalled replaceability.
func requireReplaceable(tx *wire.MsgTx) error {
	for _, in := range tx.TxIn {
		if in.Sequence < notSignalingSequence {
			return nil
		}
	}
	return errs.New(errs.KindRbf, "transaction %s did not signal replaceability", tx.TxHash())
}

func mustVsize(tx *wire.MsgTx) int64 {
	weight := int64(tx.SerializeSizeStripped())*3 + int64(tx.SerializeSize())
	vsize := (weight + 3) / 4
	if vsize == 0 {
		return 1
	}
	return vsize
}

// mempoolSpenders reports the mempool entries spending any of txid's
// outputs, the descendant set whose fees BIP125 rule 4 says the
// replacement must also cover. Absent a bitcoind collaborator, there is
// nothing to query and no descendants are assumed.
func (b *Builder) mempoolSpenders(ctx context.Context, txid chainhash.Hash, numOutputs int) ([]bitcoindMempoolEntry, error) {
	if b.Bitcoind == nil {
		return nil, nil
	}
	outpoints := make([]wire.OutPoint, numOutputs)
	for i := range outpoints {
		outpoints[i] = wire.OutPoint{Hash: txid, Index: uint32(i)}
	}
	entries, err := b.Bitcoind.MempoolSpenders(ctx, outpoints)
	if err != nil {
		return nil, err
	}
	out := make([]bitcoindMempoolEntry, len(entries))
	for i, e := range entries {
		out[i] = bitcoindMempoolEntry{DescendantFee: e.DescendantFee}
	}
	return out, nil
}

// bitcoindMempoolEntry is the slice of bitcoind.MempoolEntry that the RBF
// fee check actually needs.
type bitcoindMempoolEntry struct {
	DescendantFee int64
}

// inferDestinations rebuilds the non-change outputs of the transaction
// being replaced as the new transaction's destinations, and reports the
// previous change address (if any) so a non-cancel replacement can reuse
// it rather than derive a fresh one (spec §4.3).
func (b *Builder) inferDestinations(ctx context.Context, prevTxid chainhash.Hash, prevTx *wire.MsgTx) ([]Destination, btcutil.Address, error) {
	outpoints := make([]wire.OutPoint, len(prevTx.TxOut))
	for i := range prevTx.TxOut {
		outpoints[i] = wire.OutPoint{Hash: prevTxid, Index: uint32(i)}
	}
	ownCoins, err := b.Store.Coins(ctx, store.CoinsFilter{Outpoints: outpoints})
	if err != nil {
		return nil, nil, err
	}
	changeAt := make(map[uint32]bool, len(ownCoins))
	for _, c := range ownCoins {
		if c.IsChange {
			changeAt[c.Outpoint.Index] = true
		}
	}

	var destinations []Destination
	var changeAddr btcutil.Address
	for i, out := range prevTx.TxOut {
		if changeAt[uint32(i)] {
			addrs, err := scriptAddress(out.PkScript, b.Params)
			if err == nil {
				changeAddr = addrs
			}
			continue
		}
		addr, err := scriptAddress(out.PkScript, b.Params)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindCrypto, err, "decoding output %d of %s", i, prevTxid)
		}
		destinations = append(destinations, Destination{Address: addr, AmountSat: uint64(out.Value)})
	}
	return destinations, changeAddr, nil
}

// scriptAddress extracts the single address a P2WSH/P2WPKH/P2TR output
// script pays to.
func scriptAddress(pkScript []byte, params *chaincfg.Params) (btcutil.Address, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errs.New(errs.KindCrypto, "output script has no decodable address")
	}
	return addrs[0], nil
}

func decodeWireTx(raw []byte) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "decoding transaction")
	}
	return &tx, nil
}
