package policy

import (
	"sort"

	"github.com/lianahq/lianad/internal/errs"
)

// MaxP2WSHKeys is the maximum number of keys in a single P2WSH spending
// path (§3: "P2WSH ≤ 20").
const MaxP2WSHKeys = 20

// PathInfo is a single spending condition: either one key, or a threshold
// of several keys.
type PathInfo struct {
	Threshold int
	Keys      []DescriptorKey
}

// Single builds a one-key spending path.
func Single(key DescriptorKey) PathInfo {
	return PathInfo{Threshold: 1, Keys: []DescriptorKey{key}}
}

// Multi builds a threshold-of-n spending path.
func Multi(threshold int, keys []DescriptorKey) PathInfo {
	return PathInfo{Threshold: threshold, Keys: keys}
}

// IsMulti reports whether this path requires more than one signature.
func (p PathInfo) IsMulti() bool {
	return len(p.Keys) > 1
}

// validate checks the threshold/key-count invariant and the distinct-signer
// rule within this one path; the no-key-reuse rule across paths is checked
// at the LianaPolicy level since it spans paths.
func (p PathInfo) validate(isTaproot bool) error {
	if p.Threshold < 1 {
		return errs.New(errs.KindPolicy, "threshold must be at least 1")
	}
	if p.Threshold > len(p.Keys) {
		return errs.New(errs.KindPolicy, "threshold %d exceeds key count %d", p.Threshold, len(p.Keys))
	}
	if !isTaproot && len(p.Keys) > MaxP2WSHKeys {
		return errs.New(errs.KindPolicy, "P2WSH path has %d keys, exceeding the limit of %d", len(p.Keys), MaxP2WSHKeys)
	}
	seen := make(map[string]bool, len(p.Keys))
	for _, k := range p.Keys {
		id := k.Xpub.String()
		if seen[id] {
			return errs.New(errs.KindPolicy, "duplicate signer within one spending path")
		}
		seen[id] = true
	}
	return nil
}

// thresholdOrigins returns the set of (fingerprint, path) origins used by
// this spending path: each key's origin path extended with its receive and
// change branch steps, which is the parent origin (see originParentKey) of
// every child derived from that key. Used for partial-spend accounting and
// for BIP32 pruning.
func (p PathInfo) thresholdOrigins() []Origin {
	origins := make([]Origin, 0, 2*len(p.Keys))
	for _, k := range p.Keys {
		for _, step := range k.Multipath {
			path := append(append([]DerivationStep{}, k.Origin.Path...), DerivationStep(step))
			origins = append(origins, Origin{Fingerprint: k.Origin.Fingerprint, Path: path})
		}
	}
	return origins
}

// LianaPolicy is the decaying-multisig spending policy: a primary path plus
// an ordered mapping from relative timelock to a recovery path.
type LianaPolicy struct {
	Primary        PathInfo
	RecoveryPaths  map[uint16]PathInfo
	recoveryOrder  []uint16 // ascending timelocks, cached
	isTaproot      bool
}

// NewPolicy validates and builds a LianaPolicy.
func NewPolicy(primary PathInfo, recovery map[uint16]PathInfo, isTaproot bool) (LianaPolicy, error) {
	pol := LianaPolicy{Primary: primary, RecoveryPaths: recovery, isTaproot: isTaproot}
	if err := pol.Validate(); err != nil {
		return LianaPolicy{}, err
	}
	pol.recoveryOrder = sortedTimelocks(recovery)
	return pol, nil
}

func sortedTimelocks(m map[uint16]PathInfo) []uint16 {
	out := make([]uint16, 0, len(m))
	for tl := range m {
		out = append(out, tl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecoveryOrder returns recovery timelocks in ascending order.
func (p LianaPolicy) RecoveryOrder() []uint16 {
	if p.recoveryOrder != nil {
		return p.recoveryOrder
	}
	return sortedTimelocks(p.RecoveryPaths)
}

// FirstTimelockValue returns the smallest recovery timelock.
func (p LianaPolicy) FirstTimelockValue() uint16 {
	order := p.RecoveryOrder()
	if len(order) == 0 {
		return 0
	}
	return order[0]
}

// Validate checks every invariant in spec §3: at least one recovery path,
// every timelock in (0, 0xFFFF], per-path key-count/threshold bounds, no
// key reused across any two paths of the *same* spending path (checked
// per-path by PathInfo.validate), and no key used twice anywhere across the
// whole policy.
func (p LianaPolicy) Validate() error {
	if err := p.Primary.validate(p.isTaproot); err != nil {
		return err
	}
	if len(p.RecoveryPaths) == 0 {
		return errs.New(errs.KindPolicy, "at least one recovery path is required")
	}
	allKeys := map[string]bool{}
	addKeys := func(path PathInfo) error {
		for _, k := range path.Keys {
			id := k.Xpub.String()
			if allKeys[id] {
				return errs.New(errs.KindPolicy, "key %s is used twice in the policy", id)
			}
			allKeys[id] = true
		}
		return nil
	}
	if err := addKeys(p.Primary); err != nil {
		return err
	}
	for tl, path := range p.RecoveryPaths {
		if tl == 0 {
			return errs.New(errs.KindPolicy, "recovery timelock must be greater than zero")
		}
		if err := path.validate(p.isTaproot); err != nil {
			return err
		}
		if err := addKeys(path); err != nil {
			return err
		}
	}
	return nil
}

// PathSpendInfo summarizes how far along a single spending path's
// satisfaction is within a PSBT: the required threshold, how many distinct
// signers have contributed a signature, and the set of fingerprints that
// have signed.
type PathSpendInfo struct {
	Threshold int
	SigsCount int
	Sigs      map[Fingerprint]bool
}

// spendInfo computes PathSpendInfo for this path given the set of origins
// whose keys were found to have a valid signature in the PSBT input.
func (p PathInfo) spendInfo(signedOrigins map[Fingerprint]map[string]bool) PathSpendInfo {
	info := PathSpendInfo{Threshold: p.Threshold, Sigs: map[Fingerprint]bool{}}
	for _, o := range p.thresholdOrigins() {
		if signedOrigins[o.Fingerprint][o.String()] {
			info.Sigs[o.Fingerprint] = true
		}
	}
	info.SigsCount = len(info.Sigs)
	return info
}

// originParentKey is the string key used to correlate a signature's BIP32
// origin with the descriptor key that produced it: fingerprint + the
// derivation path with the final (wildcard index) step dropped.
func originParentKey(o Origin) string {
	if len(o.Path) == 0 {
		return o.Fingerprint.String()
	}
	return Origin{Fingerprint: o.Fingerprint, Path: o.Path[:len(o.Path)-1]}.String()
}
