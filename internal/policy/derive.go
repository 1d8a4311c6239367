package policy

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/lianahq/lianad/internal/errs"
)

// unspendableInternalKey is the standard BIP-341 "nothing up my sleeve"
// internal key (the x-coordinate of SHA256(G), lifted to a point with no
// known discrete log) used as the Taproot internal key whenever every
// spending path is a script-tree leaf, which is always the case for a
// Liana descriptor: the primary path is itself a leaf rather than a
// key-path spend, so its satisfaction cost can be accounted for the same
// way as every recovery path (see weight.go).
var unspendableInternalKey = mustParseNUMSKey("0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0")

func mustParseNUMSKey(s string) *btcec.PublicKey {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		panic(err)
	}
	return pk
}

// DerivedKey is a single public key bound to its BIP32 origin, produced by
// deriving a DescriptorKey at a specific child index.
type DerivedKey struct {
	PubKey *btcec.PublicKey
	Origin Origin
}

// DerivedPathInfo mirrors PathInfo but with DerivedKeys instead of
// DescriptorKeys.
type DerivedPathInfo struct {
	Threshold int
	Keys      []DerivedKey
}

// DerivedDescriptor is a single-path Liana descriptor bound to a specific,
// unhardened child index: every key is now a raw secp256k1 public key with
// its full BIP32 origin.
type DerivedDescriptor struct {
	Index     uint32
	IsTaproot bool
	IsChange  bool
	Primary   DerivedPathInfo
	Recovery  map[uint16]DerivedPathInfo
	order     []uint16
	witScript []byte // P2WSH only

	// Taproot only: the assembled script tree plus each path's leaf
	// script, keyed the same way a PSBT input's TaprootLeafScript/
	// TaprootBip32Derivation entries are keyed.
	tapTree       *txscript.IndexedTapScriptTree
	primaryLeaf   []byte
	recoveryLeafs map[uint16][]byte
}

// Derive binds this single-path descriptor to child index idx. idx must be
// an unhardened index (< 2^31), otherwise an InvalidInput error is returned.
func (s SinglePathLianaDesc) Derive(idx uint32) (*DerivedDescriptor, error) {
	derivePath := func(p PathInfo) (DerivedPathInfo, error) {
		dp := DerivedPathInfo{Threshold: p.Threshold}
		for _, k := range p.Keys {
			spk := k.SinglePath(s.branch)
			pub, origin, err := spk.deriveChildKey(k.Xpub.String(), idx)
			if err != nil {
				return DerivedPathInfo{}, err
			}
			dp.Keys = append(dp.Keys, DerivedKey{PubKey: pub, Origin: origin})
		}
		return dp, nil
	}

	primary, err := derivePath(s.policy.Primary)
	if err != nil {
		return nil, err
	}
	recovery := map[uint16]DerivedPathInfo{}
	for tl, p := range s.policy.RecoveryPaths {
		dp, err := derivePath(p)
		if err != nil {
			return nil, err
		}
		recovery[tl] = dp
	}

	dd := &DerivedDescriptor{
		Index:     idx,
		IsTaproot: s.isTaproot,
		IsChange:  s.IsChange(),
		Primary:   primary,
		Recovery:  recovery,
		order:     s.policy.RecoveryOrder(),
	}
	if !dd.IsTaproot {
		dd.witScript = buildWitnessScript(dd)
	} else {
		buildTaprootTree(dd)
	}
	return dd, nil
}

// tapLeafScript hand-compiles one Liana spending path into its tapscript
// leaf: "pk(K)" or "multi_a(k,...)" for the primary path (timelock nil), or
// "and_v(v:pk(K),older(T))"/"and_v(v:multi_a(k,...),older(T))" for a
// recovery path, per the tr(internal_key, {...}) template in spec §6.
func tapLeafScript(p DerivedPathInfo, timelock *uint16) []byte {
	b := txscript.NewScriptBuilder()
	verify := timelock != nil
	if len(p.Keys) == 1 {
		b.AddData(schnorr.SerializePubKey(p.Keys[0].PubKey))
		if verify {
			b.AddOp(txscript.OP_CHECKSIGVERIFY)
		} else {
			b.AddOp(txscript.OP_CHECKSIG)
		}
	} else {
		for i, k := range p.Keys {
			b.AddData(schnorr.SerializePubKey(k.PubKey))
			if i == 0 {
				b.AddOp(txscript.OP_CHECKSIG)
			} else {
				b.AddOp(txscript.OP_CHECKSIGADD)
			}
		}
		b.AddInt64(int64(p.Threshold))
		if verify {
			b.AddOp(txscript.OP_NUMEQUALVERIFY)
		} else {
			b.AddOp(txscript.OP_NUMEQUAL)
		}
	}
	if timelock != nil {
		b.AddInt64(int64(*timelock)).AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	}
	s, _ := b.Script()
	return s
}

// buildTaprootTree assembles dd's script tree: one leaf per spending path,
// ready for TapHash()/ComputeTaprootOutputKey against the unspendable
// internal key.
func buildTaprootTree(dd *DerivedDescriptor) {
	dd.primaryLeaf = tapLeafScript(dd.Primary, nil)
	dd.recoveryLeafs = make(map[uint16][]byte, len(dd.Recovery))
	leaves := []txscript.TapLeaf{txscript.NewBaseTapLeaf(dd.primaryLeaf)}
	for _, tl := range dd.order {
		timelock := tl
		leaf := tapLeafScript(dd.Recovery[timelock], &timelock)
		dd.recoveryLeafs[timelock] = leaf
		leaves = append(leaves, txscript.NewBaseTapLeaf(leaf))
	}
	dd.tapTree = txscript.AssembleTaprootScriptTree(leaves...)
}

// buildWitnessScript hand-compiles the or_d(pk|multi, or_i(and_v(v:pkh|multi,older(T)), ...))
// template described in policyBodyString into raw P2WSH witness-script
// opcodes.
func buildWitnessScript(dd *DerivedDescriptor) []byte {
	pathScript := func(p DerivedPathInfo, verify bool) []byte {
		b := txscript.NewScriptBuilder()
		if len(p.Keys) == 1 {
			if verify {
				b.AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160)
				b.AddData(btcutil.Hash160(p.Keys[0].PubKey.SerializeCompressed()))
				b.AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIGVERIFY)
			} else {
				b.AddData(p.Keys[0].PubKey.SerializeCompressed())
				b.AddOp(txscript.OP_CHECKSIG)
			}
		} else {
			b.AddInt64(int64(p.Threshold))
			for _, k := range p.Keys {
				b.AddData(k.PubKey.SerializeCompressed())
			}
			b.AddInt64(int64(len(p.Keys)))
			if verify {
				b.AddOp(txscript.OP_CHECKMULTISIGVERIFY)
			} else {
				b.AddOp(txscript.OP_CHECKMULTISIG)
			}
		}
		s, _ := b.Script()
		return s
	}

	andVOlder := func(p DerivedPathInfo, timelock uint16) []byte {
		s := pathScript(p, true)
		csv := txscript.NewScriptBuilder().AddInt64(int64(timelock)).AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
		csvScript, _ := csv.Script()
		return append(append([]byte{}, s...), csvScript...)
	}

	order := dd.order
	branch := andVOlder(dd.Recovery[order[len(order)-1]], order[len(order)-1])
	for i := len(order) - 2; i >= 0; i-- {
		leaf := andVOlder(dd.Recovery[order[i]], order[i])
		b := txscript.NewScriptBuilder().AddOp(txscript.OP_IF)
		ifPart, _ := b.Script()
		elseScript, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_ELSE).Script()
		endScript, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_ENDIF).Script()
		branch = concat(ifPart, leaf, elseScript, branch, endScript)
	}

	primary := pathScript(dd.Primary, false)
	ifdupNotif, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_IFDUP).AddOp(txscript.OP_NOTIF).Script()
	endif, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_ENDIF).Script()
	return concat(primary, ifdupNotif, branch, endif)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Address returns the receive/change address for this derived descriptor
// on the given network.
func (dd *DerivedDescriptor) Address(params *chaincfg.Params) (btcutil.Address, error) {
	if dd.IsTaproot {
		outputKey := txscript.ComputeTaprootOutputKey(unspendableInternalKey, dd.TaprootMerkleRoot())
		return btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	}
	return btcutil.NewAddressWitnessScriptHash(chainhashSHA256(dd.witScript), params)
}

// TaprootInternalKey returns the unspendable internal key every Liana
// Taproot output is built on top of (nil for P2WSH).
func (dd *DerivedDescriptor) TaprootInternalKey() *btcec.PublicKey {
	if !dd.IsTaproot {
		return nil
	}
	return unspendableInternalKey
}

// TaprootMerkleRoot returns the script tree's root hash (nil for P2WSH).
func (dd *DerivedDescriptor) TaprootMerkleRoot() []byte {
	if !dd.IsTaproot {
		return nil
	}
	root := dd.tapTree.RootNode.TapHash()
	return root[:]
}

// TaprootLeaf is one spending path's tapscript leaf plus the control block
// needed to prove its inclusion in the script tree.
type TaprootLeaf struct {
	Script       []byte
	ControlBlock []byte
	Keys         []DerivedKey
}

// TaprootLeaves returns every spending path's tapscript leaf (primary
// first, then each recovery path), ready to populate a PSBT input's
// TaprootLeafScript entries (nil for P2WSH).
func (dd *DerivedDescriptor) TaprootLeaves() ([]TaprootLeaf, error) {
	if !dd.IsTaproot {
		return nil, nil
	}
	leaves := make([]TaprootLeaf, 0, 1+len(dd.order))
	for i, leafScript := range append([][]byte{dd.primaryLeaf}, leafsInOrder(dd)...) {
		proof := dd.tapTree.LeafMerkleProofs[i]
		ctrl := proof.ToControlBlock(unspendableInternalKey)
		ctrlBytes, err := ctrl.ToBytes()
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, err, "serializing taproot control block")
		}
		keys := dd.Primary.Keys
		if i > 0 {
			keys = dd.Recovery[dd.order[i-1]].Keys
		}
		leaves = append(leaves, TaprootLeaf{Script: leafScript, ControlBlock: ctrlBytes, Keys: keys})
	}
	return leaves, nil
}

func leafsInOrder(dd *DerivedDescriptor) [][]byte {
	out := make([][]byte, len(dd.order))
	for i, tl := range dd.order {
		out[i] = dd.recoveryLeafs[tl]
	}
	return out
}

// ScriptPubKey returns the output script for this derived descriptor.
func (dd *DerivedDescriptor) ScriptPubKey(params *chaincfg.Params) ([]byte, error) {
	addr, err := dd.Address(params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// WitnessScript returns the raw P2WSH witness script (nil for Taproot).
func (dd *DerivedDescriptor) WitnessScript() []byte {
	return dd.witScript
}

// Bip32Derivation returns the map from raw compressed pubkey bytes to BIP32
// origin for every key in this derived descriptor, for populating a PSBT
// input/output's bip32_derivation field.
func (dd *DerivedDescriptor) Bip32Derivation() map[string]Origin {
	out := map[string]Origin{}
	add := func(p DerivedPathInfo) {
		for _, k := range p.Keys {
			out[string(k.PubKey.SerializeCompressed())] = k.Origin
		}
	}
	add(dd.Primary)
	for _, p := range dd.Recovery {
		add(p)
	}
	return out
}

// TaprootBip32Derivation returns the map from raw x-only pubkey bytes to
// BIP32 origin for every key in this derived descriptor, for populating a
// PSBT input/output's tap_bip32_derivation field (nil for P2WSH).
func (dd *DerivedDescriptor) TaprootBip32Derivation() map[string]Origin {
	if !dd.IsTaproot {
		return nil
	}
	out := map[string]Origin{}
	add := func(p DerivedPathInfo) {
		for _, k := range p.Keys {
			out[string(schnorr.SerializePubKey(k.PubKey))] = k.Origin
		}
	}
	add(dd.Primary)
	for _, p := range dd.Recovery {
		add(p)
	}
	return out
}
