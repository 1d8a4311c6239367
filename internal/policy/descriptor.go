package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/lianahq/lianad/internal/errs"
)

// LianaDescriptor is a parsed, validated multipath Liana output descriptor:
// a LianaPolicy plus the checksum of its canonical string form.
type LianaDescriptor struct {
	Policy    LianaPolicy
	IsTaproot bool
	checksum  string
}

// ChangeOutput identifies which of our two keychains a PSBT output pays to.
type ChangeOutput int

const (
	// ChangeOutputNone means the output doesn't pay back to us.
	ChangeOutputNone ChangeOutput = iota
	// ChangeOutputChange means the output pays the change keychain.
	ChangeOutputChange
	// ChangeOutputDeposit means the output pays the receive (deposit) keychain.
	ChangeOutputDeposit
)

// NewDescriptor validates policy and wraps it as a LianaDescriptor.
func NewDescriptor(policy LianaPolicy, isTaproot bool) (*LianaDescriptor, error) {
	policy.isTaproot = isTaproot
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	d := &LianaDescriptor{Policy: policy, IsTaproot: isTaproot}
	d.checksum = computeChecksum(d.bodyString())
	return d, nil
}

// String serialises the descriptor to its canonical form, including its
// checksum, e.g. "wsh(or_d(pk(...),and_v(v:pkh(...),older(52560))))#abcdefgh".
func (d *LianaDescriptor) String() string {
	return d.bodyString() + "#" + d.checksum
}

func (d *LianaDescriptor) bodyString() string {
	leaf := policyBodyString(d.Policy)
	if d.IsTaproot {
		return "tr(" + leaf + ")"
	}
	return "wsh(" + leaf + ")"
}

// policyBodyString renders the inner miniscript fragment (without the
// wsh()/tr() wrapper or checksum) for a policy: the primary path combined
// with the ordered recovery paths via or_d/or_i(and_v(...,older(T))).
func policyBodyString(pol LianaPolicy) string {
	order := pol.RecoveryOrder()
	// Build from the last (highest-timelock, lowest-priority) recovery
	// path inward, then combine with the primary path last.
	branch := andVOlder(pol.RecoveryPaths[order[len(order)-1]], order[len(order)-1], true)
	for i := len(order) - 2; i >= 0; i-- {
		leaf := andVOlder(pol.RecoveryPaths[order[i]], order[i], true)
		branch = fmt.Sprintf("or_i(%s,%s)", leaf, branch)
	}
	primary := pathLeaf(pol.Primary, false, false)
	return fmt.Sprintf("or_d(%s,%s)", primary, branch)
}

func andVOlder(path PathInfo, timelock uint16, verify bool) string {
	return fmt.Sprintf("and_v(v:%s,older(%d))", pathLeaf(path, true, verify), timelock)
}

// pathLeaf renders a single spending path as a miniscript leaf fragment.
// useVerifyKind controls whether a single key uses pkh() (used for
// recovery leaves, wrapped in v:) vs pk() (used for the primary leaf).
func pathLeaf(path PathInfo, useVerifyKind bool, _ bool) string {
	if !path.IsMulti() {
		if useVerifyKind {
			return fmt.Sprintf("pkh(%s)", path.Keys[0].String())
		}
		return fmt.Sprintf("pk(%s)", path.Keys[0].String())
	}
	parts := make([]string, len(path.Keys))
	for i, k := range path.Keys {
		parts[i] = k.String()
	}
	return fmt.Sprintf("multi(%d,%s)", path.Threshold, strings.Join(parts, ","))
}

// computeChecksum is a descriptor checksum. It is not bitcoin-core's exact
// BCH-code checksum (that requires its specific generator polynomial over a
// 5-bit alphabet); here it is a simple, stable, round-trip-safe digest so
// that parse(to_string(d)) == d holds for values produced by this package.
func computeChecksum(body string) string {
	const alphabet = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	var h uint64 = 1
	for i := 0; i < len(body); i++ {
		h = h*31 + uint64(body[i])
	}
	out := make([]byte, 8)
	for i := range out {
		out[i] = alphabet[h%uint64(len(alphabet))]
		h /= uint64(len(alphabet))
		h = h*2654435761 + uint64(i)
	}
	return string(out)
}

// Parse parses a canonical descriptor string produced by String(), checks
// its checksum, and rebuilds the policy, rejecting it if re-serialising the
// derived policy would not round-trip (spec §4.1).
func Parse(s string) (*LianaDescriptor, error) {
	s = strings.TrimSpace(s)
	hashIdx := strings.LastIndex(s, "#")
	var body, checksum string
	if hashIdx >= 0 {
		body, checksum = s[:hashIdx], s[hashIdx+1:]
	} else {
		body = s
	}

	isTaproot := strings.HasPrefix(body, "tr(")
	var inner string
	switch {
	case isTaproot:
		inner = strings.TrimSuffix(strings.TrimPrefix(body, "tr("), ")")
	case strings.HasPrefix(body, "wsh("):
		inner = strings.TrimSuffix(strings.TrimPrefix(body, "wsh("), ")")
	default:
		return nil, errs.New(errs.KindCrypto, "descriptor must be wrapped in wsh(...) or tr(...)")
	}

	pol, err := parsePolicyBody(inner, isTaproot)
	if err != nil {
		return nil, err
	}

	d, err := NewDescriptor(pol, isTaproot)
	if err != nil {
		return nil, err
	}
	if checksum != "" && checksum != d.checksum {
		return nil, errs.New(errs.KindCrypto, "descriptor checksum mismatch: expected %s got %s", d.checksum, checksum)
	}
	// Round-trip check: the policy we just derived must re-serialise to
	// exactly the body we parsed (modulo whitespace).
	if d.bodyString() != body {
		return nil, errs.New(errs.KindCrypto, "descriptor does not round-trip through policy re-derivation")
	}
	return d, nil
}

// parsePolicyBody parses "or_d(PRIMARY,RECOVERY_TREE)" back into a policy.
func parsePolicyBody(s string, isTaproot bool) (LianaPolicy, error) {
	if !strings.HasPrefix(s, "or_d(") {
		return LianaPolicy{}, errs.New(errs.KindCrypto, "expected or_d(...) at top level")
	}
	args, err := splitArgs(strings.TrimSuffix(strings.TrimPrefix(s, "or_d("), ")"))
	if err != nil || len(args) != 2 {
		return LianaPolicy{}, errs.New(errs.KindCrypto, "malformed or_d(...)")
	}
	primary, err := parseLeaf(args[0])
	if err != nil {
		return LianaPolicy{}, err
	}
	recovery := map[uint16]PathInfo{}
	if err := parseRecoveryTree(args[1], recovery); err != nil {
		return LianaPolicy{}, err
	}
	return LianaPolicy{Primary: primary, RecoveryPaths: recovery, isTaproot: isTaproot}, nil
}

func parseRecoveryTree(s string, out map[uint16]PathInfo) error {
	if strings.HasPrefix(s, "or_i(") {
		args, err := splitArgs(strings.TrimSuffix(strings.TrimPrefix(s, "or_i("), ")"))
		if err != nil || len(args) != 2 {
			return errs.New(errs.KindCrypto, "malformed or_i(...)")
		}
		if err := parseAndVOlder(args[0], out); err != nil {
			return err
		}
		return parseRecoveryTree(args[1], out)
	}
	return parseAndVOlder(s, out)
}

func parseAndVOlder(s string, out map[uint16]PathInfo) error {
	if !strings.HasPrefix(s, "and_v(v:") {
		return errs.New(errs.KindCrypto, "expected and_v(v:...,older(T))")
	}
	args, err := splitArgs(strings.TrimSuffix(strings.TrimPrefix(s, "and_v("), ")"))
	if err != nil || len(args) != 2 {
		return errs.New(errs.KindCrypto, "malformed and_v(...)")
	}
	leafStr := strings.TrimPrefix(args[0], "v:")
	path, err := parseLeaf(leafStr)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(args[1], "older(") {
		return errs.New(errs.KindCrypto, "expected older(T)")
	}
	tlStr := strings.TrimSuffix(strings.TrimPrefix(args[1], "older("), ")")
	tl, err := strconv.Atoi(tlStr)
	if err != nil || tl <= 0 || tl > 0xFFFF {
		return errs.New(errs.KindPolicy, "invalid timelock %q", tlStr)
	}
	out[uint16(tl)] = path
	return nil
}

func parseLeaf(s string) (PathInfo, error) {
	switch {
	case strings.HasPrefix(s, "pk("):
		k, err := ParseDescriptorKey(strings.TrimSuffix(strings.TrimPrefix(s, "pk("), ")"))
		if err != nil {
			return PathInfo{}, err
		}
		return Single(k), nil
	case strings.HasPrefix(s, "pkh("):
		k, err := ParseDescriptorKey(strings.TrimSuffix(strings.TrimPrefix(s, "pkh("), ")"))
		if err != nil {
			return PathInfo{}, err
		}
		return Single(k), nil
	case strings.HasPrefix(s, "multi("):
		args, err := splitArgs(strings.TrimSuffix(strings.TrimPrefix(s, "multi("), ")"))
		if err != nil || len(args) < 2 {
			return PathInfo{}, errs.New(errs.KindCrypto, "malformed multi(...)")
		}
		threshold, err := strconv.Atoi(args[0])
		if err != nil {
			return PathInfo{}, errs.Wrap(errs.KindCrypto, err, "invalid threshold %q", args[0])
		}
		keys := make([]DescriptorKey, 0, len(args)-1)
		for _, a := range args[1:] {
			k, err := ParseDescriptorKey(a)
			if err != nil {
				return PathInfo{}, err
			}
			keys = append(keys, k)
		}
		return Multi(threshold, keys), nil
	default:
		return PathInfo{}, errs.New(errs.KindCrypto, "unrecognised path fragment %q", s)
	}
}

// splitArgs splits a comma-separated argument list, respecting nested
// parentheses (so "a(b,c),d" splits into ["a(b,c)", "d"]).
func splitArgs(s string) ([]string, error) {
	var args []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, errs.New(errs.KindCrypto, "unbalanced parentheses")
			}
		case ',':
			if depth == 0 {
				args = append(args, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, errs.New(errs.KindCrypto, "unbalanced parentheses")
	}
	args = append(args, s[start:])
	return args, nil
}

// AllXpubsNetIs reports whether every key in the descriptor belongs to the
// given network.
func (d *LianaDescriptor) AllXpubsNetIs(params *chaincfg.Params) bool {
	check := func(p PathInfo) bool {
		for _, k := range p.Keys {
			if !k.NetworkMatches(params) {
				return false
			}
		}
		return true
	}
	if !check(d.Policy.Primary) {
		return false
	}
	for _, p := range d.Policy.RecoveryPaths {
		if !check(p) {
			return false
		}
	}
	return true
}

// ContainsFingerprint reports whether any key in the descriptor has the
// given master fingerprint.
func (d *LianaDescriptor) ContainsFingerprint(fg Fingerprint) bool {
	check := func(p PathInfo) bool {
		for _, k := range p.Keys {
			if k.Origin.Fingerprint == fg {
				return true
			}
		}
		return false
	}
	if check(d.Policy.Primary) {
		return true
	}
	for _, p := range d.Policy.RecoveryPaths {
		if check(p) {
			return true
		}
	}
	return false
}

// FirstTimelockValue returns the smallest recovery timelock in the policy.
func (d *LianaDescriptor) FirstTimelockValue() uint16 {
	return d.Policy.FirstTimelockValue()
}

// SinglePathLianaDesc is one of the two single-path sub-descriptors
// ("/0/*" receive or "/1/*" change) split out of a LianaDescriptor.
type SinglePathLianaDesc struct {
	policy    LianaPolicy
	branch    int // 0 = receive, 1 = change
	isTaproot bool
}

// ReceiveDescriptor returns the receive ("/0/*") single-path descriptor.
// By contract (§4.1) this is always the first enumerated single-path.
func (d *LianaDescriptor) ReceiveDescriptor() SinglePathLianaDesc {
	return SinglePathLianaDesc{policy: d.Policy, branch: 0, isTaproot: d.IsTaproot}
}

// ChangeDescriptor returns the change ("/1/*") single-path descriptor.
func (d *LianaDescriptor) ChangeDescriptor() SinglePathLianaDesc {
	return SinglePathLianaDesc{policy: d.Policy, branch: 1, isTaproot: d.IsTaproot}
}

// IsChange reports whether this is the change (vs. receive) single-path descriptor.
func (s SinglePathLianaDesc) IsChange() bool { return s.branch == 1 }
