package policy

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/lianahq/lianad/internal/errs"
)

// PartialSpendInfo aggregates, across every input of a PSBT, how much of
// each spending path's threshold has been satisfied so far.
type PartialSpendInfo struct {
	Primary  PathSpendInfo
	Recovery map[uint16]PathSpendInfo
}

func (a PartialSpendInfo) equal(b PartialSpendInfo) bool {
	if a.Primary.Threshold != b.Primary.Threshold || a.Primary.SigsCount != b.Primary.SigsCount {
		return false
	}
	if len(a.Recovery) != len(b.Recovery) {
		return false
	}
	for tl, pa := range a.Recovery {
		pb, ok := b.Recovery[tl]
		if !ok || pa.Threshold != pb.Threshold || pa.SigsCount != pb.SigsCount {
			return false
		}
	}
	return true
}

// signedOrigins collects, for a single PSBT input, the BIP32 origins that
// have at least one valid-looking signature attached: ECDSA partial_sigs
// for P2WSH, or the union of tapscript and tap-key signatures for Taproot.
func signedOrigins(isTaproot bool, in *psbt.PInput) map[Fingerprint]map[string]bool {
	out := map[Fingerprint]map[string]bool{}
	add := func(fp uint32, path []uint32) {
		var f Fingerprint
		f[0] = byte(fp)
		f[1] = byte(fp >> 8)
		f[2] = byte(fp >> 16)
		f[3] = byte(fp >> 24)
		o := bip32PathToOrigin(f, path)
		parent := originParentKey(o)
		if out[f] == nil {
			out[f] = map[string]bool{}
		}
		out[f][parent] = true
	}

	if !isTaproot {
		for _, sig := range in.PartialSigs {
			for _, d := range in.Bip32Derivation {
				if pubkeysEqual(d.PubKey, sig.PubKey) {
					add(d.MasterKeyFingerprint, d.Bip32Path)
				}
			}
		}
		return out
	}

	for _, sig := range in.TaprootScriptSpendSig {
		for _, d := range in.TaprootBip32Derivation {
			if pubkeysEqual(d.XOnlyPubKey, sig.XOnlyPubKey) {
				add(d.MasterKeyFingerprint, d.Bip32Path)
			}
		}
	}
	if len(in.TaprootKeySpendSig) > 0 {
		for _, d := range in.TaprootBip32Derivation {
			if pubkeysEqual(d.XOnlyPubKey, in.TaprootInternalKey) {
				add(d.MasterKeyFingerprint, d.Bip32Path)
			}
		}
	}
	return out
}

func pubkeysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bip32PathToOrigin(fp Fingerprint, path []uint32) Origin {
	steps := make([]DerivationStep, len(path))
	for i, p := range path {
		steps[i] = DerivationStep(p)
	}
	return Origin{Fingerprint: fp, Path: steps}
}

// PartialSpendInfoTxin computes PathSpendInfo for the primary path and for
// every recovery path whose timelock is satisfied by txin's nSequence,
// given a single PSBT input. See spec §4.1.
func (d *LianaDescriptor) PartialSpendInfoTxin(in *psbt.PInput, txin *wire.TxIn) PartialSpendInfo {
	signed := signedOrigins(d.IsTaproot, in)

	info := PartialSpendInfo{
		Primary:  d.Policy.Primary.spendInfo(signed),
		Recovery: map[uint16]PathSpendInfo{},
	}

	isHeightLocked := txin.Sequence&wire.SequenceLockTimeDisabled == 0 && txin.Sequence&wire.SequenceLockTimeIsSeconds == 0
	for timelock, path := range d.Policy.RecoveryPaths {
		if isHeightLocked && txin.Sequence >= uint32(timelock) {
			info.Recovery[timelock] = path.spendInfo(signed)
		}
	}
	return info
}

// PartialSpendInfo computes the aggregate PartialSpendInfo across every
// input of a PSBT, per spec §4.1. It returns InsanePsbt if the PSBT is
// malformed (mismatched input/output counts or empty) and InconsistentPsbt
// if any two inputs disagree on nSequence or on the computed spend info.
func (d *LianaDescriptor) PartialSpendInfo(p *psbt.Packet) (PartialSpendInfo, error) {
	if len(p.Inputs) != len(p.UnsignedTx.TxIn) ||
		len(p.Outputs) != len(p.UnsignedTx.TxOut) ||
		len(p.Inputs) == 0 || len(p.Outputs) == 0 {
		return PartialSpendInfo{}, errs.New(errs.KindCrypto, "insane PSBT: input/output counts mismatched or empty")
	}

	first := d.PartialSpendInfoTxin(&p.Inputs[0], p.UnsignedTx.TxIn[0])
	firstSeq := p.UnsignedTx.TxIn[0].Sequence
	for i := 1; i < len(p.Inputs); i++ {
		seq := p.UnsignedTx.TxIn[i].Sequence
		info := d.PartialSpendInfoTxin(&p.Inputs[i], p.UnsignedTx.TxIn[i])
		if seq != firstSeq || !first.equal(info) {
			return PartialSpendInfo{}, errs.New(errs.KindCrypto, "PSBT inputs are inconsistent")
		}
	}
	return first, nil
}
