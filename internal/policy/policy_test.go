package policy

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

const (
	testXpubA = "xpub661MyMwAqkbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	testXpubB = "xpub661MyMwAqkbcFL1zPNnWrYhDTAbh6oGWtxinF4QJq5M1cgncnSFZjLivEYLP9UtLJskmRkyYgtLFCCqRvUEbpAFtyvi6YdzeSkB6eY9Dpm"
)

func testDescriptor(t *testing.T) *LianaDescriptor {
	t.Helper()
	keyA, err := ParseDescriptorKey("[aabbccdd]" + testXpubA + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key A: %v", err)
	}
	keyB, err := ParseDescriptorKey("[aabbccdd]" + testXpubB + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key B: %v", err)
	}
	pol, err := NewPolicy(Single(keyA), map[uint16]PathInfo{52560: Single(keyB)}, false)
	if err != nil {
		t.Fatalf("building policy: %v", err)
	}
	d, err := NewDescriptor(pol, false)
	if err != nil {
		t.Fatalf("building descriptor: %v", err)
	}
	return d
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := testDescriptor(t)
	s := d.String()
	reparsed, err := Parse(s)
	if err != nil {
		t.Fatalf("re-parsing %q: %v", s, err)
	}
	if reparsed.String() != s {
		t.Fatalf("descriptor did not round-trip: %q != %q", reparsed.String(), s)
	}
}

func TestFirstTimelockValue(t *testing.T) {
	d := testDescriptor(t)
	if got := d.FirstTimelockValue(); got != 52560 {
		t.Fatalf("expected timelock 52560, got %d", got)
	}
}

func TestMaxSatVBytesRoundsUpFromWeight(t *testing.T) {
	d := testDescriptor(t)
	for _, usePrimary := range []bool{true, false} {
		weight := d.MaxSatWeight(usePrimary)
		vbytes := d.MaxSatVBytes(usePrimary)
		want := (weight + WitnessScaleFactor - 1) / WitnessScaleFactor
		if vbytes != want {
			t.Fatalf("usePrimary=%v: vbytes %d != expected %d (weight %d)", usePrimary, vbytes, want, weight)
		}
	}
}

func TestMaxSatWeightUnconstrainedNotSmallerThanPrimary(t *testing.T) {
	d := testDescriptor(t)
	if d.MaxSatWeight(false) < d.MaxSatWeight(true) {
		t.Fatalf("unconstrained satisfaction weight %d is smaller than primary-only %d",
			d.MaxSatWeight(false), d.MaxSatWeight(true))
	}
}

func TestSpenderInputSizeMatchesFormula(t *testing.T) {
	d := testDescriptor(t)
	got := d.SpenderInputSize(true)
	want := 32 + 4 + 1 + 4 + d.MaxSatVBytes(true)
	if got != want {
		t.Fatalf("spender input size %d != expected %d", got, want)
	}
}

func TestDeriveReceiveAndChangeDiffer(t *testing.T) {
	d := testDescriptor(t)
	recv, err := d.ReceiveDescriptor().Derive(11)
	if err != nil {
		t.Fatalf("deriving receive: %v", err)
	}
	change, err := d.ChangeDescriptor().Derive(11)
	if err != nil {
		t.Fatalf("deriving change: %v", err)
	}
	recvAddr, err := recv.Address(&chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("receive address: %v", err)
	}
	changeAddr, err := change.Address(&chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("change address: %v", err)
	}
	if recvAddr.String() == changeAddr.String() {
		t.Fatalf("receive and change addresses must differ, both got %s", recvAddr.String())
	}
}

func TestDeriveRejectsHardenedIndex(t *testing.T) {
	d := testDescriptor(t)
	_, err := d.ReceiveDescriptor().Derive(1 << 31)
	if err == nil {
		t.Fatalf("expected an error deriving a hardened index")
	}
}

func TestPolicyRejectsMissingRecoveryPath(t *testing.T) {
	keyA, err := ParseDescriptorKey("[aabbccdd]" + testXpubA + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key: %v", err)
	}
	if _, err := NewPolicy(Single(keyA), map[uint16]PathInfo{}, false); err == nil {
		t.Fatalf("expected an error for a policy with no recovery path")
	}
}

func TestPolicyRejectsKeyReuseAcrossPaths(t *testing.T) {
	keyA, err := ParseDescriptorKey("[aabbccdd]" + testXpubA + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key: %v", err)
	}
	if _, err := NewPolicy(Single(keyA), map[uint16]PathInfo{52560: Single(keyA)}, false); err == nil {
		t.Fatalf("expected an error reusing the same key across paths")
	}
}
