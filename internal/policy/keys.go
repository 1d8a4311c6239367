package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/lianahq/lianad/internal/errs"
)

// Fingerprint is a BIP32 master key fingerprint, e.g. [aabbccdd].
type Fingerprint [4]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x", f[0], f[1], f[2], f[3])
}

// Uint32 returns the fingerprint in the little-endian uint32 form the PSBT
// bip32_derivation field stores it in.
func (f Fingerprint) Uint32() uint32 {
	return uint32(f[0]) | uint32(f[1])<<8 | uint32(f[2])<<16 | uint32(f[3])<<24
}

// ParseFingerprint parses an 8-hex-char fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if len(s) != 8 {
		return fp, errs.New(errs.KindCrypto, "fingerprint %q must be 8 hex chars", s)
	}
	for i := 0; i < 4; i++ {
		var b int
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return fp, errs.Wrap(errs.KindCrypto, err, "invalid fingerprint %q", s)
		}
		fp[i] = byte(b)
	}
	return fp, nil
}

// DerivationStep is a single BIP32 child index; a hardened step carries the
// hdkeychain.HardenedKeyStart offset.
type DerivationStep uint32

// Origin is the "[fingerprint/path]" prefix of a descriptor key, where path
// is the hardened derivation that produced the xpub (everything up to, but
// excluding, the multipath wildcard step).
type Origin struct {
	Fingerprint Fingerprint
	Path        []DerivationStep
}

// PathUint32 renders the origin's path as the []uint32 form a PSBT
// bip32_derivation field stores it in.
func (o Origin) PathUint32() []uint32 {
	out := make([]uint32, len(o.Path))
	for i, s := range o.Path {
		out[i] = uint32(s)
	}
	return out
}

func (o Origin) String() string {
	parts := make([]string, len(o.Path))
	for i, s := range o.Path {
		parts[i] = strconv.Itoa(int(s))
		if s >= hdkeychain.HardenedKeyStart {
			parts[i] = strconv.Itoa(int(s-hdkeychain.HardenedKeyStart)) + "'"
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("[%s]", o.Fingerprint)
	}
	return fmt.Sprintf("[%s/%s]", o.Fingerprint, strings.Join(parts, "/"))
}

// DescriptorKey is one "[fp/origin]xpub.../<0;1>/*" key in a Liana
// descriptor: an unhardened-wildcard xpub with an explicit origin and a
// two-way multipath step (receive index 0, change index 1).
type DescriptorKey struct {
	Origin Origin
	Xpub   *hdkeychain.ExtendedKey
	// Multipath holds the two branch indexes parsed from "<a;b>" (receive
	// first, change second), substituted for the multipath step when
	// splitting into single-path descriptors. The parser accepts any two
	// numbers; it does not require {0, 1}.
	Multipath [2]uint32
}

// String renders the canonical "[fp/path]xpub/<0;1>/*" form.
func (k DescriptorKey) String() string {
	return fmt.Sprintf("%s%s/<%d;%d>/*", k.Origin, k.Xpub.String(), k.Multipath[0], k.Multipath[1])
}

// ParseDescriptorKey parses a single "[fp/path]xpub/<0;1>/*" key string.
func ParseDescriptorKey(s string) (DescriptorKey, error) {
	var key DescriptorKey
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return key, errs.New(errs.KindCrypto, "key %q missing origin", s)
	}
	end := strings.Index(s, "]")
	if end < 0 {
		return key, errs.New(errs.KindCrypto, "key %q: unterminated origin", s)
	}
	originStr := s[1:end]
	rest := s[end+1:]

	originParts := strings.Split(originStr, "/")
	fp, err := ParseFingerprint(originParts[0])
	if err != nil {
		return key, err
	}
	origin := Origin{Fingerprint: fp}
	for _, p := range originParts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimSuffix(strings.TrimSuffix(p, "'"), "h")
		n, err := strconv.Atoi(p)
		if err != nil {
			return key, errs.Wrap(errs.KindCrypto, err, "invalid derivation step %q", p)
		}
		step := uint32(n)
		if hardened {
			step += hdkeychain.HardenedKeyStart
		}
		origin.Path = append(origin.Path, DerivationStep(step))
	}
	key.Origin = origin

	// rest is now "xpub.../<0;1>/*"
	fields := strings.Split(rest, "/")
	if len(fields) != 3 || fields[2] != "*" {
		return key, errs.New(errs.KindCrypto, "key %q: expected xpub/<0;1>/* multipath step", s)
	}
	xpubStr := fields[0]
	multipathStr := fields[1]
	if !strings.HasPrefix(multipathStr, "<") || !strings.HasSuffix(multipathStr, ">") {
		return key, errs.New(errs.KindCrypto, "key %q: malformed multipath step %q", s, multipathStr)
	}
	mpParts := strings.Split(multipathStr[1:len(multipathStr)-1], ";")
	if len(mpParts) != 2 {
		return key, errs.New(errs.KindCrypto, "key %q: multipath step must have exactly two branches", s)
	}
	var multipath [2]uint32
	for i, p := range mpParts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return key, errs.Wrap(errs.KindCrypto, err, "invalid multipath branch %q", p)
		}
		multipath[i] = uint32(n)
	}
	key.Multipath = multipath

	xpub, err := hdkeychain.NewKeyFromString(xpubStr)
	if err != nil {
		return key, errs.Wrap(errs.KindCrypto, err, "invalid xpub %q", xpubStr)
	}
	if xpub.IsPrivate() {
		return key, errs.New(errs.KindPolicy, "key %q: descriptor keys must be public", s)
	}
	key.Xpub = xpub

	return key, nil
}

// NetworkMatches reports whether the xpub's version bytes match params.
func (k DescriptorKey) NetworkMatches(params *chaincfg.Params) bool {
	return k.Xpub.IsForNet(params)
}

// SinglePath returns the single-path ("/0/*" or "/1/*") descriptor key for
// the given branch (0 = receive, 1 = change).
func (k DescriptorKey) SinglePath(branch int) singlePathKey {
	return singlePathKey{origin: k.Origin, xpub: k.Xpub, step: k.Multipath[branch]}
}

type singlePathKey struct {
	origin Origin
	xpub   *hdkeychain.ExtendedKey
	step   uint32
}

func (k singlePathKey) String() string {
	return fmt.Sprintf("%sxpub/%d/*", k.origin, k.step)
}

// deriveChildKey derives the final unhardened child key at index idx along
// this single-path key's fixed branch step, returning the raw public key
// and its full BIP32 origin (the key's origin plus the branch step and idx).
func (k singlePathKey) deriveChildKey(xpubStr string, idx uint32) (*btcec.PublicKey, Origin, error) {
	if idx >= hdkeychain.HardenedKeyStart {
		return nil, Origin{}, errs.New(errs.KindInvalidInput, "derivation index %d is hardened", idx)
	}
	branchKey, err := k.xpub.Derive(k.step)
	if err != nil {
		return nil, Origin{}, errs.Wrap(errs.KindCrypto, err, "deriving branch %d", k.step)
	}
	childKey, err := branchKey.Derive(idx)
	if err != nil {
		return nil, Origin{}, errs.Wrap(errs.KindCrypto, err, "deriving index %d", idx)
	}
	pub, err := childKey.ECPubKey()
	if err != nil {
		return nil, Origin{}, errs.Wrap(errs.KindCrypto, err, "extracting public key")
	}
	fullPath := append(append([]DerivationStep{}, k.origin.Path...), DerivationStep(k.step), DerivationStep(idx))
	return pub, Origin{Fingerprint: k.origin.Fingerprint, Path: fullPath}, nil
}
