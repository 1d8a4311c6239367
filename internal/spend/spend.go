package spend

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/bitcoind"
	"github.com/lianahq/lianad/internal/errs"
	"github.com/lianahq/lianad/internal/policy"
	"github.com/lianahq/lianad/internal/store"
)

// MinFeerate and MaxFeerate bound the feerate a caller may request, in
// sat/vB (spec §4.3: 0 is a hard error, above 1000 is a hard error).
const (
	MinFeerate = 1
	MaxFeerate = 1000
)

// Destination is one payment the spend should make.
type Destination struct {
	Address   btcutil.Address
	AmountSat uint64
}

// Request is the input to Build (spec §4.3's create_spend).
type Request struct {
	Destinations  []Destination
	Outpoints     []wire.OutPoint // non-empty selects manual mode
	FeerateSatVb  uint64
	ChangeAddress btcutil.Address // optional; nil derives a fresh one

	// Replacing, when set, is the txid of a transaction being bumped by
	// this spend: coins it marked spent are still eligible outpoints here
	// rather than being rejected as already-spent (spec §4.3's RBF reuse
	// of the replaced transaction's own inputs).
	Replacing *chainhash.Hash

	// ReplacedInputs, auto mode only, folds the replaced transaction's own
	// inputs into the free candidate pool alongside the usual confirmed/
	// is_from_self coins, rather than forcing them in via Outpoints
	// (RBF cancel mode, spec §4.3 item 6). ReplacedInputsMandatory
	// promotes all of them to must-select.
	ReplacedInputs          []wire.OutPoint
	ReplacedInputsMandatory bool
}

// Result is what Build returns on success: either a PSBT plus any
// warnings, or an InsufficientFunds report (a success variant, not an
// error, per spec §4.3/§7).
type Result struct {
	Psbt              *psbt.Packet
	Warnings          []string
	ChangeIndex       *uint32 // set only if a change output was created
	InsufficientFunds *InsufficientFundsInfo
}

// InsufficientFundsInfo reports how much more is needed to satisfy a spend
// that could not be funded from the candidate set.
type InsufficientFundsInfo struct {
	MissingSat uint64
}

// Builder constructs PSBTs against one wallet's descriptor, store, and
// bitcoind collaborator.
type Builder struct {
	Log        hclog.Logger
	Store      *store.Store
	Descriptor *policy.LianaDescriptor
	Bitcoind   bitcoind.Interface
	Params     *chaincfg.Params
}

// nudeTxVbytes is the fixed overhead of a transaction with no inputs and no
// outputs: version (4) + input count (1) + output count (1) + locktime (4).
const nudeTxVbytes = 10

// outputVbytes estimates an output's vbyte cost: 8 (value) + 1 (script
// length varint) + script length.
func outputVbytes(scriptLen int) int {
	return 8 + 1 + scriptLen
}

// Build constructs an unsigned PSBT satisfying req (spec §4.3).
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req, b.Params); err != nil {
		return nil, err
	}

	wallet, err := b.Store.GetWallet(ctx)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, errs.New(errs.KindStateViolation, "wallet is not yet initialised")
	}

	var candidates []Candidate
	if len(req.Outpoints) > 0 {
		candidates, err = b.gatherManualCandidates(ctx, req.Outpoints, req.Replacing)
	} else {
		if len(req.Destinations) == 0 && len(req.ReplacedInputs) == 0 {
			return nil, errs.New(errs.KindInvalidInput, "a self-send with no destinations requires explicit outpoints")
		}
		candidates, err = b.gatherAutoCandidates(ctx, req.ReplacedInputs, req.ReplacedInputsMandatory, req.Replacing)
	}
	if err != nil {
		return nil, err
	}

	var targetSat uint64
	destOutputsVbytes := 0
	for _, d := range req.Destinations {
		targetSat += d.AmountSat
		spk, err := txscript.PayToAddrScript(d.Address)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, err, "building destination script")
		}
		destOutputsVbytes += outputVbytes(len(spk))
	}

	inputVsize := b.Descriptor.SpenderInputSize(true)
	baseVbytes := nudeTxVbytes + destOutputsVbytes

	chosen, totalIn, ok := selectCandidates(candidates, targetSat, req.FeerateSatVb, inputVsize, baseVbytes)
	if !ok {
		fee := requiredFee(len(chosen), inputVsize, baseVbytes, req.FeerateSatVb)
		missing := targetSat + fee - totalIn
		return &Result{InsufficientFunds: &InsufficientFundsInfo{MissingSat: missing}}, nil
	}

	tipHeight, _, err := b.chainTip(ctx)
	if err != nil {
		return nil, err
	}

	unsignedTx := wire.NewMsgTx(2)
	unsignedTx.LockTime = chooseLocktime(tipHeight)
	for _, c := range chosen {
		txin := wire.NewTxIn(&c.Coin.Outpoint, nil, nil)
		txin.Sequence = wire.MaxTxInSequenceNum - 2 // signal RBF (spec §4.3)
		unsignedTx.AddTxIn(txin)
	}
	for _, d := range req.Destinations {
		spk, _ := txscript.PayToAddrScript(d.Address)
		unsignedTx.AddTxOut(wire.NewTxOut(int64(d.AmountSat), spk))
	}

	feeWithoutChange := requiredFee(len(chosen), inputVsize, baseVbytes, req.FeerateSatVb)
	residual := totalIn - targetSat - feeWithoutChange

	var warnings []string
	var changeIndex *uint32
	var changeDD *policy.DerivedDescriptor
	createChange, warning := decideChange(residual, req.FeerateSatVb)
	if createChange {
		changeAddr := req.ChangeAddress
		var changeIdx uint32
		if changeAddr == nil {
			changeIdx = wallet.ChangeDerivationIndex
			dd, err := b.Descriptor.ChangeDescriptor().Derive(changeIdx)
			if err != nil {
				return nil, err
			}
			changeDD = dd
			changeAddr, err = dd.Address(b.Params)
			if err != nil {
				return nil, err
			}
		}
		spk, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, err, "building change script")
		}
		changeFeeDelta := requiredFee(len(chosen), inputVsize, baseVbytes+outputVbytes(len(spk)), req.FeerateSatVb) - feeWithoutChange
		changeAmount := residual - changeFeeDelta
		unsignedTx.AddTxOut(wire.NewTxOut(int64(changeAmount), spk))
		idx := uint32(len(unsignedTx.TxOut) - 1)
		changeIndex = &idx
		if req.ChangeAddress == nil {
			if err := b.Store.RaiseDerivationIndex(ctx, true, changeIdx+1); err != nil {
				return nil, err
			}
		}
	} else if warning != "" {
		warnings = append(warnings, warning)
	}

	p, err := psbt.NewFromUnsignedTx(unsignedTx)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "building psbt")
	}
	if err := b.populatePsbtInputs(p, chosen); err != nil {
		return nil, err
	}
	if changeIndex != nil && changeDD != nil {
		populateChangeOutput(p, *changeIndex, changeDD)
	}

	return &Result{Psbt: p, Warnings: warnings, ChangeIndex: changeIndex}, nil
}

// populateChangeOutput annotates the change output with its BIP32 origins,
// so change_indexes (spec §4.1) and a signer's own change-detection can
// recognise it as ours.
func populateChangeOutput(p *psbt.Packet, index uint32, dd *policy.DerivedDescriptor) {
	for pubkey, origin := range dd.Bip32Derivation() {
		p.Outputs[index].Bip32Derivation = append(p.Outputs[index].Bip32Derivation, &psbt.Bip32Derivation{
			PubKey:               []byte(pubkey),
			MasterKeyFingerprint: origin.Fingerprint.Uint32(),
			Bip32Path:            origin.PathUint32(),
		})
	}
}

func (b *Builder) chainTip(ctx context.Context) (int32, bool, error) {
	if b.Bitcoind == nil {
		tip, err := b.Store.GetTip(ctx, b.Params.Name)
		if err != nil {
			return 0, false, err
		}
		if tip == nil {
			return 0, false, nil
		}
		return tip.Height, true, nil
	}
	height, _, err := b.Bitcoind.ChainTip(ctx)
	return height, true, err
}

func (b *Builder) populatePsbtInputs(p *psbt.Packet, chosen []Candidate) error {
	for i, c := range chosen {
		dd, err := b.Descriptor.ReceiveDescriptor().Derive(c.Coin.DerivationIndex)
		if err != nil {
			return err
		}
		if c.Coin.IsChange {
			dd, err = b.Descriptor.ChangeDescriptor().Derive(c.Coin.DerivationIndex)
			if err != nil {
				return err
			}
		}
		spk, err := dd.ScriptPubKey(b.Params)
		if err != nil {
			return err
		}
		p.Inputs[i].WitnessUtxo = wire.NewTxOut(int64(c.Coin.AmountSat), spk)
		if !b.Descriptor.IsTaproot {
			p.Inputs[i].WitnessScript = dd.WitnessScript()
			for pubkey, origin := range dd.Bip32Derivation() {
				p.Inputs[i].Bip32Derivation = append(p.Inputs[i].Bip32Derivation, &psbt.Bip32Derivation{
					PubKey:               []byte(pubkey),
					MasterKeyFingerprint: origin.Fingerprint.Uint32(),
					Bip32Path:            origin.PathUint32(),
				})
			}
			continue
		}

		internalKey := dd.TaprootInternalKey()
		p.Inputs[i].TaprootInternalKey = schnorr.SerializePubKey(internalKey)
		p.Inputs[i].TaprootMerkleRoot = dd.TaprootMerkleRoot()
		for pubkey, origin := range dd.TaprootBip32Derivation() {
			p.Inputs[i].TaprootBip32Derivation = append(p.Inputs[i].TaprootBip32Derivation, &psbt.TaprootBip32Derivation{
				XOnlyPubKey:          []byte(pubkey),
				MasterKeyFingerprint: origin.Fingerprint.Uint32(),
				Bip32Path:            origin.PathUint32(),
			})
		}
		leaves, err := dd.TaprootLeaves()
		if err != nil {
			return err
		}
		for _, leaf := range leaves {
			p.Inputs[i].TaprootLeafScript = append(p.Inputs[i].TaprootLeafScript, &psbt.TaprootTapLeafScript{
				ControlBlock: leaf.ControlBlock,
				Script:       leaf.Script,
				LeafVersion:  txscript.BaseLeafVersion,
			})
		}
	}
	return nil
}

func validateRequest(req Request, params *chaincfg.Params) error {
	if req.FeerateSatVb == 0 {
		return errs.New(errs.KindInvalidInput, "feerate must be greater than zero")
	}
	if req.FeerateSatVb > MaxFeerate {
		return errs.New(errs.KindInvalidInput, "feerate %d sat/vB exceeds the maximum of %d", req.FeerateSatVb, MaxFeerate)
	}
	for _, d := range req.Destinations {
		if !d.Address.IsForNet(params) {
			return errs.New(errs.KindInvalidInput, "destination address %s is not valid for this network", d.Address)
		}
	}
	return nil
}
