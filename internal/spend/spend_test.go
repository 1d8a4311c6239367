package spend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/policy"
	"github.com/lianahq/lianad/internal/store"
)

const (
	testXpubA = "xpub661MyMwAqkbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	testXpubB = "xpub661MyMwAqkbcFL1zPNnWrYhDTAbh6oGWtxinF4QJq5M1cgncnSFZjLivEYLP9UtLJskmRkyYgtLFCCqRvUEbpAFtyvi6YdzeSkB6eY9Dpm"
)

func testDescriptor(t *testing.T) *policy.LianaDescriptor {
	t.Helper()
	keyA, err := policy.ParseDescriptorKey("[aabbccdd]" + testXpubA + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key A: %v", err)
	}
	keyB, err := policy.ParseDescriptorKey("[aabbccdd]" + testXpubB + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key B: %v", err)
	}
	pol, err := policy.NewPolicy(policy.Single(keyA), map[uint16]policy.PathInfo{52560: policy.Single(keyB)}, false)
	if err != nil {
		t.Fatalf("building policy: %v", err)
	}
	d, err := policy.NewDescriptor(pol, false)
	if err != nil {
		t.Fatalf("building descriptor: %v", err)
	}
	return d
}

func testBuilder(t *testing.T) (*Builder, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wallet.sqlite3")
	s, err := store.Open(context.Background(), path, nil, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	d := testDescriptor(t)
	if _, err := s.CreateWallet(context.Background(), d.String(), 1700000000); err != nil {
		t.Fatalf("creating wallet: %v", err)
	}

	return &Builder{
		Log:        hclog.NewNullLogger(),
		Store:      s,
		Descriptor: d,
		Params:     &chaincfg.RegressionNetParams,
	}, s
}

// insertConfirmedCoin derives a receive address at idx, inserts a raw
// transaction paying it amountSat, and records a confirmed coin spending
// from it.
func insertConfirmedCoin(t *testing.T, b *Builder, s *store.Store, idx uint32, amountSat uint64, height int32) wire.OutPoint {
	t.Helper()
	ctx := context.Background()
	dd, err := b.Descriptor.ReceiveDescriptor().Derive(idx)
	if err != nil {
		t.Fatalf("deriving receive descriptor: %v", err)
	}
	spk, err := dd.ScriptPubKey(b.Params)
	if err != nil {
		t.Fatalf("building script: %v", err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	tx.AddTxOut(wire.NewTxOut(int64(amountSat), spk))

	var buf bufferWriter
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serializing transaction: %v", err)
	}
	if err := s.InsertTransaction(ctx, buf.bytes); err != nil {
		t.Fatalf("inserting transaction: %v", err)
	}

	txid := tx.TxHash()
	op := wire.OutPoint{Hash: txid, Index: 0}
	h := height
	if err := s.InsertCoins(ctx, 1, []store.Coin{{
		Outpoint:        op,
		BlockHeight:     &h,
		AmountSat:       amountSat,
		DerivationIndex: idx,
	}}); err != nil {
		t.Fatalf("inserting coin: %v", err)
	}
	return op
}

// bufferWriter is a minimal growable io.Writer, avoiding a bytes import
// clash with the rest of the test helpers.
type bufferWriter struct{ bytes []byte }

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.bytes = append(w.bytes, p...)
	return len(p), nil
}

func testAddress(t *testing.T, b *Builder) btcutil.Address {
	t.Helper()
	dd, err := b.Descriptor.ReceiveDescriptor().Derive(9999)
	if err != nil {
		t.Fatalf("deriving destination: %v", err)
	}
	addr, err := dd.Address(b.Params)
	if err != nil {
		t.Fatalf("building destination address: %v", err)
	}
	return addr
}

func TestBuildSpendsWithChange(t *testing.T) {
	b, s := testBuilder(t)
	ctx := context.Background()
	insertConfirmedCoin(t, b, s, 0, 100_000, 100)
	if err := s.UpdateTip(ctx, b.Params.Name, store.BlockInfo{Height: 200}); err != nil {
		t.Fatalf("updating tip: %v", err)
	}

	dest := testAddress(t, b)
	result, err := b.Build(ctx, Request{
		Destinations: []Destination{{Address: dest, AmountSat: 10_000}},
		FeerateSatVb: 2,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.InsufficientFunds != nil {
		t.Fatalf("expected enough funds, got InsufficientFunds %+v", result.InsufficientFunds)
	}
	if result.ChangeIndex == nil {
		t.Fatalf("expected a change output to be created")
	}
	if len(result.Psbt.Outputs[*result.ChangeIndex].Bip32Derivation) == 0 {
		t.Fatalf("change output must carry its bip32 origin")
	}
}

func TestBuildDustChangeIsFoldedIntoFee(t *testing.T) {
	b, s := testBuilder(t)
	ctx := context.Background()

	const destAmount = 1000
	const feerate = 1
	dest := testAddress(t, b)
	spk, err := txscript.PayToAddrScript(dest)
	if err != nil {
		t.Fatalf("building destination script: %v", err)
	}
	inputVsize := b.Descriptor.SpenderInputSize(true)
	baseVbytes := nudeTxVbytes + outputVbytes(len(spk))
	fee := requiredFee(1, inputVsize, baseVbytes, feerate)
	// Size the coin so the post-fee residual lands just under
	// MinChangeSat: it should be folded into the fee with a warning
	// rather than creating a dust change output.
	coinAmount := destAmount + fee + MinChangeSat - 1

	insertConfirmedCoin(t, b, s, 0, coinAmount, 100)
	if err := s.UpdateTip(ctx, b.Params.Name, store.BlockInfo{Height: 200}); err != nil {
		t.Fatalf("updating tip: %v", err)
	}

	result, err := b.Build(ctx, Request{
		Destinations: []Destination{{Address: dest, AmountSat: destAmount}},
		FeerateSatVb: feerate,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.InsufficientFunds != nil {
		t.Fatalf("expected enough funds, got InsufficientFunds %+v", result.InsufficientFunds)
	}
	if result.ChangeIndex != nil {
		t.Fatalf("expected no change output for a dust residual")
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a dust-change warning")
	}
}

func TestBuildReportsInsufficientFunds(t *testing.T) {
	b, s := testBuilder(t)
	ctx := context.Background()
	insertConfirmedCoin(t, b, s, 0, 1000, 100)
	if err := s.UpdateTip(ctx, b.Params.Name, store.BlockInfo{Height: 200}); err != nil {
		t.Fatalf("updating tip: %v", err)
	}

	dest := testAddress(t, b)
	result, err := b.Build(ctx, Request{
		Destinations: []Destination{{Address: dest, AmountSat: 1_000_000}},
		FeerateSatVb: 5,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.InsufficientFunds == nil {
		t.Fatalf("expected an InsufficientFunds report")
	}
	if result.InsufficientFunds.MissingSat == 0 {
		t.Fatalf("expected a nonzero missing amount")
	}
}

func TestRbfRequiresReplaceableSequence(t *testing.T) {
	b, s := testBuilder(t)
	ctx := context.Background()
	op := insertConfirmedCoin(t, b, s, 0, 100_000, 100)
	if err := s.UpdateTip(ctx, b.Params.Name, store.BlockInfo{Height: 200}); err != nil {
		t.Fatalf("updating tip: %v", err)
	}

	// A previous transaction whose only input does NOT signal RBF.
	prev := wire.NewMsgTx(2)
	txin := wire.NewTxIn(&op, nil, nil)
	txin.Sequence = wire.MaxTxInSequenceNum
	prev.AddTxIn(txin)
	prev.AddTxOut(wire.NewTxOut(90_000, []byte{0x00}))

	var buf bufferWriter
	if err := prev.Serialize(&buf); err != nil {
		t.Fatalf("serializing previous tx: %v", err)
	}
	if err := s.InsertTransaction(ctx, buf.bytes); err != nil {
		t.Fatalf("inserting previous tx: %v", err)
	}

	_, err := b.Rbf(ctx, RbfRequest{PreviousTxid: prev.TxHash(), FeerateSatVb: 5})
	if err == nil {
		t.Fatalf("expected an error replacing a non-signalling transaction")
	}
}

func TestSweepRequiresMaturedTimelock(t *testing.T) {
	b, s := testBuilder(t)
	ctx := context.Background()
	insertConfirmedCoin(t, b, s, 0, 100_000, 100)
	// Tip height 200 means only 100 blocks have passed: short of the
	// 52560-block recovery timelock configured on the test descriptor.
	if err := s.UpdateTip(ctx, b.Params.Name, store.BlockInfo{Height: 200}); err != nil {
		t.Fatalf("updating tip: %v", err)
	}

	dest := testAddress(t, b)
	_, err := b.Sweep(ctx, SweepRequest{ToAddress: dest, FeerateSatVb: 2})
	if err == nil {
		t.Fatalf("expected an error sweeping before the recovery timelock has matured")
	}
}

func TestSweepSucceedsOnceTimelockMatured(t *testing.T) {
	b, s := testBuilder(t)
	ctx := context.Background()
	insertConfirmedCoin(t, b, s, 0, 100_000, 100)
	if err := s.UpdateTip(ctx, b.Params.Name, store.BlockInfo{Height: 100 + 52560}); err != nil {
		t.Fatalf("updating tip: %v", err)
	}

	dest := testAddress(t, b)
	result, err := b.Sweep(ctx, SweepRequest{ToAddress: dest, FeerateSatVb: 2})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Psbt == nil {
		t.Fatalf("expected a psbt")
	}
	if len(result.Psbt.UnsignedTx.TxOut) != 1 {
		t.Fatalf("expected exactly one sweep output, got %d", len(result.Psbt.UnsignedTx.TxOut))
	}
}
