package spend

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lianahq/lianad/internal/errs"
	"github.com/lianahq/lianad/internal/store"
)

// SweepRequest recovers coins via a relative-timelock recovery path once it
// has matured, sending everything to a single address (spec §4.3's
// recovery sweep).
type SweepRequest struct {
	// Timelock is the relative timelock (nSequence) to sweep with; it need
	// not match a configured recovery path. Nil picks the smallest
	// configured one (the soonest to mature).
	Timelock *uint16
	// Outpoints restricts the sweep to specific coins; nil sweeps every
	// coin that has matured past the chosen timelock.
	Outpoints []wire.OutPoint
	ToAddress btcutil.Address
	FeerateSatVb uint64
}

// Sweep builds an unsigned, destinationless-but-for-the-sweep-address
// transaction spending every coin recoverable under req's timelock (spec
// §4.3).
func (b *Builder) Sweep(ctx context.Context, req SweepRequest) (*Result, error) {
	if req.FeerateSatVb == 0 {
		return nil, errs.New(errs.KindInvalidInput, "feerate must be greater than zero")
	}
	if req.FeerateSatVb > MaxFeerate {
		return nil, errs.New(errs.KindInvalidInput, "feerate %d sat/vB exceeds the maximum of %d", req.FeerateSatVb, MaxFeerate)
	}
	if !req.ToAddress.IsForNet(b.Params) {
		return nil, errs.New(errs.KindInvalidInput, "sweep address is not valid for this network")
	}

	// A caller-supplied timelock need not match a configured recovery path
	// (spec §4.3): the descriptor itself still enforces which path can
	// actually sign, so an arbitrary nSequence is accepted here and simply
	// won't be spendable until some path's real timelock has matured.
	timelock := req.Timelock
	if timelock == nil {
		t := b.Descriptor.FirstTimelockValue()
		timelock = &t
	}

	tipHeight, _, err := b.chainTip(ctx)
	if err != nil {
		return nil, err
	}

	eligible, err := b.eligibleSweepCoins(ctx, tipHeight, *timelock)
	if err != nil {
		return nil, err
	}

	var chosen []store.Coin
	if len(req.Outpoints) > 0 {
		byOutpoint := make(map[wire.OutPoint]store.Coin, len(eligible))
		for _, c := range eligible {
			byOutpoint[c.Outpoint] = c
		}
		for _, op := range req.Outpoints {
			c, ok := byOutpoint[op]
			if !ok {
				return nil, errs.New(errs.KindStateViolation, "outpoint %s:%d is not recoverable at timelock %d", op.Hash, op.Index, *timelock)
			}
			chosen = append(chosen, c)
		}
	} else {
		chosen = eligible
	}
	if len(chosen) == 0 {
		return nil, errs.New(errs.KindStateViolation, "no coins are recoverable yet at timelock %d", *timelock)
	}

	spk, err := txscript.PayToAddrScript(req.ToAddress)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "building sweep script")
	}

	var totalIn uint64
	for _, c := range chosen {
		totalIn += c.AmountSat
	}

	inputVsize := b.Descriptor.SpenderInputSize(false)
	baseVbytes := nudeTxVbytes + outputVbytes(len(spk))
	fee := requiredFee(len(chosen), inputVsize, baseVbytes, req.FeerateSatVb)
	if totalIn <= fee {
		return &Result{InsufficientFunds: &InsufficientFundsInfo{MissingSat: fee - totalIn}}, nil
	}

	unsignedTx := wire.NewMsgTx(2)
	unsignedTx.LockTime = 0
	for _, c := range chosen {
		txin := wire.NewTxIn(&c.Outpoint, nil, nil)
		txin.Sequence = uint32(*timelock)
		unsignedTx.AddTxIn(txin)
	}
	unsignedTx.AddTxOut(wire.NewTxOut(int64(totalIn-fee), spk))

	p, err := psbt.NewFromUnsignedTx(unsignedTx)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "building psbt")
	}
	candidates := make([]Candidate, len(chosen))
	for i, c := range chosen {
		candidates[i] = Candidate{Coin: c}
	}
	if err := b.populatePsbtInputs(p, candidates); err != nil {
		return nil, err
	}

	return &Result{Psbt: p}, nil
}

// eligibleSweepCoins returns every confirmed, mature coin whose relative
// timelock has matured: tipHeight - blockheight >= timelock (spec §4.3).
func (b *Builder) eligibleSweepCoins(ctx context.Context, tipHeight int32, timelock uint16) ([]store.Coin, error) {
	coins, err := b.Store.Coins(ctx, store.CoinsFilter{Statuses: []store.CoinStatus{store.CoinConfirmed}})
	if err != nil {
		return nil, err
	}
	var out []store.Coin
	for _, c := range coins {
		if c.IsImmature || c.BlockHeight == nil {
			continue
		}
		if tipHeight-*c.BlockHeight >= int32(timelock) {
			out = append(out, c)
		}
	}
	return out, nil
}
