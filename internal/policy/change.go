package policy

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/lianahq/lianad/internal/errs"
)

// ChangeIndexEntry is one detected change/deposit output.
type ChangeIndexEntry struct {
	OutputIndex int
	Kind        ChangeOutput
	ChildIndex  uint32
}

// outputChildIndex reads the last step of any BIP32 derivation origin
// attached to a PSBT output (all origins on a self-owned output share it,
// per spec §4.1).
func outputChildIndex(isTaproot bool, out *psbt.POutput) (uint32, bool) {
	if !isTaproot {
		if len(out.Bip32Derivation) == 0 {
			return 0, false
		}
		path := out.Bip32Derivation[0].Bip32Path
		if len(path) == 0 {
			return 0, false
		}
		return path[len(path)-1], true
	}
	if len(out.TaprootBip32Derivation) == 0 {
		return 0, false
	}
	path := out.TaprootBip32Derivation[0].Bip32Path
	if len(path) == 0 {
		return 0, false
	}
	return path[len(path)-1], true
}

// ChangeIndexes lists the indexes of outputs in p that pay back to either
// of our keychains, per spec §4.1.
func (d *LianaDescriptor) ChangeIndexes(p *psbt.Packet, params *chaincfg.Params) ([]ChangeIndexEntry, error) {
	var entries []ChangeIndexEntry
	for i, out := range p.Outputs {
		idx, ok := outputChildIndex(d.IsTaproot, &out)
		if !ok {
			continue
		}

		changeDD, err := d.ChangeDescriptor().Derive(idx)
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, err, "deriving change script at index %d", idx)
		}
		changeSPK, err := changeDD.ScriptPubKey(params)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(changeSPK, p.UnsignedTx.TxOut[i].PkScript) {
			entries = append(entries, ChangeIndexEntry{OutputIndex: i, Kind: ChangeOutputChange, ChildIndex: idx})
			continue
		}

		receiveDD, err := d.ReceiveDescriptor().Derive(idx)
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, err, "deriving receive script at index %d", idx)
		}
		receiveSPK, err := receiveDD.ScriptPubKey(params)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(receiveSPK, p.UnsignedTx.TxOut[i].PkScript) {
			entries = append(entries, ChangeIndexEntry{OutputIndex: i, Kind: ChangeOutputDeposit, ChildIndex: idx})
		}
	}
	return entries, nil
}
