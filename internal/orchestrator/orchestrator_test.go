package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/bitcoind"
	"github.com/lianahq/lianad/internal/policy"
	"github.com/lianahq/lianad/internal/store"
)

const (
	testXpubA = "xpub661MyMwAqkbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
)

// fakeBitcoind is a minimal in-memory bitcoind.Interface for exercising
// BroadcastSpend without a real node.
type fakeBitcoind struct {
	broadcast []*wire.MsgTx
	err       error
}

func (f *fakeBitcoind) ChainTip(ctx context.Context) (int32, chainhash.Hash, error) {
	return 0, chainhash.Hash{}, nil
}
func (f *fakeBitcoind) TipTime(ctx context.Context) (uint32, bool, error) { return 0, false, nil }
func (f *fakeBitcoind) MempoolEntry(ctx context.Context, txid chainhash.Hash) (bitcoind.MempoolEntry, bool, error) {
	return bitcoind.MempoolEntry{}, false, nil
}
func (f *fakeBitcoind) MempoolSpenders(ctx context.Context, outpoints []wire.OutPoint) ([]bitcoind.MempoolEntry, error) {
	return nil, nil
}
func (f *fakeBitcoind) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	if f.err != nil {
		return f.err
	}
	f.broadcast = append(f.broadcast, tx)
	return nil
}
func (f *fakeBitcoind) StartRescan(ctx context.Context, desc string, timestamp uint32) error {
	return nil
}
func (f *fakeBitcoind) RescanProgress(ctx context.Context) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeBitcoind) GenesisBlockTimestamp(ctx context.Context) (uint32, error) { return 0, nil }

func setupTest(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wallet.sqlite3")
	s, err := store.Open(ctx, path, nil, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	key, err := policy.ParseDescriptorKey("[aabbccdd]" + testXpubA + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key: %v", err)
	}
	pol, err := policy.NewPolicy(policy.Single(key), map[uint16]policy.PathInfo{52560: policy.Single(key)}, false)
	if err != nil {
		t.Fatalf("building policy: %v", err)
	}
	d, err := policy.NewDescriptor(pol, false)
	if err != nil {
		t.Fatalf("building descriptor: %v", err)
	}
	if _, err := s.CreateWallet(ctx, d.String(), 1700000000); err != nil {
		t.Fatalf("creating wallet: %v", err)
	}

	o := &Orchestrator{Log: hclog.NewNullLogger(), Store: s}
	return o, s
}

// insertOwnedCoin derives a receive address at idx, inserts a funding
// transaction paying it, and records the resulting coin.
func insertOwnedCoin(t *testing.T, s *store.Store, idx uint32, amountSat uint64) wire.OutPoint {
	t.Helper()
	ctx := context.Background()

	key, err := policy.ParseDescriptorKey("[aabbccdd]" + testXpubA + "/<0;1>/*")
	if err != nil {
		t.Fatalf("parsing key: %v", err)
	}
	pol, err := policy.NewPolicy(policy.Single(key), map[uint16]policy.PathInfo{52560: policy.Single(key)}, false)
	if err != nil {
		t.Fatalf("building policy: %v", err)
	}
	d, err := policy.NewDescriptor(pol, false)
	if err != nil {
		t.Fatalf("building descriptor: %v", err)
	}
	dd, err := d.ReceiveDescriptor().Derive(idx)
	if err != nil {
		t.Fatalf("deriving receive descriptor: %v", err)
	}
	spk, err := dd.ScriptPubKey(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("building script: %v", err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	tx.AddTxOut(wire.NewTxOut(int64(amountSat), spk))

	var buf byteBuffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serializing transaction: %v", err)
	}
	if err := s.InsertTransaction(ctx, buf.bytes); err != nil {
		t.Fatalf("inserting transaction: %v", err)
	}

	txid := tx.TxHash()
	op := wire.OutPoint{Hash: txid, Index: 0}
	if err := s.InsertCoins(ctx, 1, []store.Coin{{
		Outpoint:        op,
		AmountSat:       amountSat,
		DerivationIndex: idx,
	}}); err != nil {
		t.Fatalf("inserting coin: %v", err)
	}
	return op
}

type byteBuffer struct{ bytes []byte }

func (w *byteBuffer) Write(p []byte) (int, error) {
	w.bytes = append(w.bytes, p...)
	return len(p), nil
}

func buildDraftPsbt(t *testing.T, op wire.OutPoint) *psbt.Packet {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00}))
	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		t.Fatalf("building psbt: %v", err)
	}
	return p
}

func TestUpdateSpendRejectsUnknownOutpoint(t *testing.T) {
	o, _ := setupTest(t)
	ctx := context.Background()
	bogus := wire.OutPoint{Index: 7}
	p := buildDraftPsbt(t, bogus)
	if err := o.UpdateSpend(ctx, p, 1700000000); err == nil {
		t.Fatalf("expected an error referencing an untracked outpoint")
	}
}

func TestUpdateSpendInsertsNewDraft(t *testing.T) {
	o, s := setupTest(t)
	ctx := context.Background()
	op := insertOwnedCoin(t, s, 0, 100_000)
	p := buildDraftPsbt(t, op)

	if err := o.UpdateSpend(ctx, p, 1700000000); err != nil {
		t.Fatalf("UpdateSpend: %v", err)
	}

	stored, err := o.ListSpend(ctx, nil)
	if err != nil {
		t.Fatalf("ListSpend: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected exactly one stored draft, got %d", len(stored))
	}
}

func TestUpdateSpendMergesPartialSigsIntoExistingDraft(t *testing.T) {
	o, s := setupTest(t)
	ctx := context.Background()
	op := insertOwnedCoin(t, s, 0, 100_000)

	first := buildDraftPsbt(t, op)
	if err := o.UpdateSpend(ctx, first, 1700000000); err != nil {
		t.Fatalf("first UpdateSpend: %v", err)
	}

	second := buildDraftPsbt(t, op)
	second.Inputs[0].PartialSigs = append(second.Inputs[0].PartialSigs, &psbt.PartialSig{
		PubKey:    []byte{0x02, 0x03},
		Signature: []byte{0x30, 0x44},
	})
	if err := o.UpdateSpend(ctx, second, 1700000001); err != nil {
		t.Fatalf("second UpdateSpend: %v", err)
	}

	stored, err := o.ListSpend(ctx, nil)
	if err != nil {
		t.Fatalf("ListSpend: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected the drafts to collapse into one row, got %d", len(stored))
	}
	if len(stored[0].Psbt.Inputs[0].PartialSigs) != 1 {
		t.Fatalf("expected the merged signature to be carried over")
	}
}

func TestListSpendRejectsEmptyFilter(t *testing.T) {
	o, _ := setupTest(t)
	ctx := context.Background()
	if _, err := o.ListSpend(ctx, []chainhash.Hash{}); err == nil {
		t.Fatalf("expected an explicitly empty filter to be rejected")
	}
}

func TestBroadcastSpendFailsWithoutSignatures(t *testing.T) {
	o, s := setupTest(t)
	ctx := context.Background()
	op := insertOwnedCoin(t, s, 0, 100_000)
	p := buildDraftPsbt(t, op)
	if err := o.Store.UpdateSpend(ctx, p, 1700000000); err != nil {
		t.Fatalf("UpdateSpend: %v", err)
	}

	o.Bitcoind = &fakeBitcoind{}
	txid := p.UnsignedTx.TxHash()
	if err := o.BroadcastSpend(ctx, txid); err == nil {
		t.Fatalf("expected broadcasting an unsigned draft to fail extraction")
	}
}

func TestBroadcastSpendOfUnknownDraftFails(t *testing.T) {
	o, _ := setupTest(t)
	ctx := context.Background()
	o.Bitcoind = &fakeBitcoind{}
	if err := o.BroadcastSpend(ctx, chainhash.Hash{}); err == nil {
		t.Fatalf("expected an error broadcasting an unknown txid")
	}
}

func TestDeleteSpendIsIdempotent(t *testing.T) {
	o, _ := setupTest(t)
	ctx := context.Background()
	if err := o.DeleteSpend(ctx, chainhash.Hash{}); err != nil {
		t.Fatalf("deleting an unknown draft should not error: %v", err)
	}
}
