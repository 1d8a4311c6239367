package chain

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/bitcoind"
	"github.com/lianahq/lianad/internal/store"
)

type fakeBitcoind struct {
	height int32
	hash   chainhash.Hash
}

func (f *fakeBitcoind) ChainTip(ctx context.Context) (int32, chainhash.Hash, error) {
	return f.height, f.hash, nil
}
func (f *fakeBitcoind) TipTime(ctx context.Context) (uint32, bool, error) { return 0, false, nil }
func (f *fakeBitcoind) MempoolEntry(ctx context.Context, txid chainhash.Hash) (bitcoind.MempoolEntry, bool, error) {
	return bitcoind.MempoolEntry{}, false, nil
}
func (f *fakeBitcoind) MempoolSpenders(ctx context.Context, outpoints []wire.OutPoint) ([]bitcoind.MempoolEntry, error) {
	return nil, nil
}
func (f *fakeBitcoind) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error { return nil }
func (f *fakeBitcoind) StartRescan(ctx context.Context, desc string, timestamp uint32) error {
	return nil
}
func (f *fakeBitcoind) RescanProgress(ctx context.Context) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeBitcoind) GenesisBlockTimestamp(ctx context.Context) (uint32, error) { return 0, nil }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wallet.sqlite3")
	s, err := store.Open(ctx, path, nil, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.CreateWallet(ctx, "wsh(pk(...))", 1700000000); err != nil {
		t.Fatalf("creating wallet: %v", err)
	}
	return s
}

func TestPollOnceAdvancesTip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := &fakeBitcoind{height: 100, hash: chainhash.Hash{0x01}}
	f := NewFollower(hclog.NewNullLogger(), s, b, "regtest")

	if err := f.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	tip, err := s.GetTip(ctx, "regtest")
	if err != nil {
		t.Fatalf("GetTip: %v", err)
	}
	if tip == nil || tip.Height != 100 {
		t.Fatalf("expected tip height 100, got %+v", tip)
	}
}

func TestPollOnceRollsBackOnReorg(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := &fakeBitcoind{height: 100, hash: chainhash.Hash{0x01}}
	f := NewFollower(hclog.NewNullLogger(), s, b, "regtest")
	if err := f.PollOnce(ctx); err != nil {
		t.Fatalf("first PollOnce: %v", err)
	}

	seedConfirmedCoin(t, s, 90)

	b.height = 95
	b.hash = chainhash.Hash{0x02}
	if err := f.PollOnce(ctx); err != nil {
		t.Fatalf("second PollOnce: %v", err)
	}

	tip, err := s.GetTip(ctx, "regtest")
	if err != nil {
		t.Fatalf("GetTip: %v", err)
	}
	if tip.Height != 95 {
		t.Fatalf("expected rolled-back tip height 95, got %d", tip.Height)
	}
}

// seedConfirmedCoin inserts a fake funding transaction and a confirmed coin
// paying an arbitrary script, for reorg-rollback tests that only care about
// the coin's block height, not its ownership.
func seedConfirmedCoin(t *testing.T, s *store.Store, height int32) wire.OutPoint {
	t.Helper()
	ctx := context.Background()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	tx.AddTxOut(wire.NewTxOut(50000, []byte{0x00}))

	var buf byteBuffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serializing transaction: %v", err)
	}
	if err := s.InsertTransaction(ctx, buf.bytes); err != nil {
		t.Fatalf("inserting transaction: %v", err)
	}

	txid := tx.TxHash()
	op := wire.OutPoint{Hash: txid, Index: 0}
	h := height
	if err := s.InsertCoins(ctx, 1, []store.Coin{{Outpoint: op, BlockHeight: &h, AmountSat: 50000}}); err != nil {
		t.Fatalf("inserting coin: %v", err)
	}
	return op
}

type byteBuffer struct{ bytes []byte }

func (w *byteBuffer) Write(p []byte) (int, error) {
	w.bytes = append(w.bytes, p...)
	return len(p), nil
}

func TestApplyBatchStoresObservedNewCoin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := &fakeBitcoind{height: 100, hash: chainhash.Hash{0x01}}
	f := NewFollower(hclog.NewNullLogger(), s, b, "regtest")

	op := wire.OutPoint{Index: 0}
	batch := Batch{
		Tip:      &store.BlockInfo{Height: 100, Hash: chainhash.Hash{0x01}},
		NewCoins: []store.Coin{{Outpoint: op, AmountSat: 50000, IsFromSelf: false}},
	}
	if err := f.ApplyBatch(ctx, 0, batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	coins, err := s.Coins(ctx, store.CoinsFilter{Outpoints: []wire.OutPoint{op}})
	if err != nil {
		t.Fatalf("Coins: %v", err)
	}
	if len(coins) != 1 {
		t.Fatalf("expected the observed coin to be stored, got %d", len(coins))
	}
}

func TestPollNowDoesNotBlock(t *testing.T) {
	s := openTestStore(t)
	b := &fakeBitcoind{height: 1}
	f := NewFollower(hclog.NewNullLogger(), s, b, "regtest")
	f.PollNow()
	f.PollNow() // a second signal while one is already pending must not block
}
