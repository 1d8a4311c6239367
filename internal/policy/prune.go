package policy

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// pathParentKeys returns the set of "parent" origin strings (fingerprint +
// derivation path with the final wildcard step dropped) belonging to path.
func pathParentKeys(path PathInfo) map[string]bool {
	out := map[string]bool{}
	for _, o := range path.thresholdOrigins() {
		out[o.String()] = true
	}
	return out
}

// PruneBip32Derivs retains, in every input and output of p, only the
// bip32_derivation (or tap_key_origins, for Taproot) entries whose
// (fingerprint, parent derivation path) belongs to path. See spec §4.1.
func (d *LianaDescriptor) PruneBip32Derivs(p *psbt.Packet, path PathInfo) *psbt.Packet {
	allowed := pathParentKeys(path)

	keepOrigin := func(fp uint32, bip32Path []uint32) bool {
		var f Fingerprint
		f[0], f[1], f[2], f[3] = byte(fp), byte(fp>>8), byte(fp>>16), byte(fp>>24)
		o := bip32PathToOrigin(f, bip32Path)
		return allowed[originParentKey(o)]
	}

	for i := range p.Inputs {
		in := &p.Inputs[i]
		if !d.IsTaproot {
			filtered := in.Bip32Derivation[:0:0]
			for _, der := range in.Bip32Derivation {
				if keepOrigin(der.MasterKeyFingerprint, der.Bip32Path) {
					filtered = append(filtered, der)
				}
			}
			in.Bip32Derivation = filtered
		} else {
			filtered := in.TaprootBip32Derivation[:0:0]
			for _, der := range in.TaprootBip32Derivation {
				if keepOrigin(der.MasterKeyFingerprint, der.Bip32Path) {
					filtered = append(filtered, der)
				}
			}
			in.TaprootBip32Derivation = filtered
		}
	}
	for i := range p.Outputs {
		out := &p.Outputs[i]
		if !d.IsTaproot {
			filtered := out.Bip32Derivation[:0:0]
			for _, der := range out.Bip32Derivation {
				if keepOrigin(der.MasterKeyFingerprint, der.Bip32Path) {
					filtered = append(filtered, der)
				}
			}
			out.Bip32Derivation = filtered
		} else {
			filtered := out.TaprootBip32Derivation[:0:0]
			for _, der := range out.TaprootBip32Derivation {
				if keepOrigin(der.MasterKeyFingerprint, der.Bip32Path) {
					filtered = append(filtered, der)
				}
			}
			out.TaprootBip32Derivation = filtered
		}
	}
	return p
}

// PruneBip32DerivsLastAvail prunes the PSBT to the last recovery path whose
// timelock is satisfied by the PSBT's first input's nSequence, or the
// primary path if none is satisfied.
func (d *LianaDescriptor) PruneBip32DerivsLastAvail(p *psbt.Packet) *psbt.Packet {
	path := d.Policy.Primary
	if len(p.UnsignedTx.TxIn) > 0 {
		seq := p.UnsignedTx.TxIn[0].Sequence
		isHeightLocked := seq&wire.SequenceLockTimeDisabled == 0 && seq&wire.SequenceLockTimeIsSeconds == 0
		if isHeightLocked {
			order := d.Policy.RecoveryOrder()
			for i := len(order) - 1; i >= 0; i-- {
				if seq >= uint32(order[i]) {
					path = d.Policy.RecoveryPaths[order[i]]
					break
				}
			}
		}
	}
	return d.PruneBip32Derivs(p, path)
}
