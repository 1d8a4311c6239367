package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wallet.sqlite3")
	s, err := Open(context.Background(), path, nil, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetWallet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if w, err := s.GetWallet(ctx); err != nil || w != nil {
		t.Fatalf("expected no wallet yet, got %+v, err %v", w, err)
	}

	created, err := s.CreateWallet(ctx, "wsh(test-descriptor)", 1700000000)
	if err != nil {
		t.Fatalf("creating wallet: %v", err)
	}

	got, err := s.GetWallet(ctx)
	if err != nil {
		t.Fatalf("getting wallet: %v", err)
	}
	if got == nil || got.ID != created.ID || got.MainDescriptor != "wsh(test-descriptor)" {
		t.Fatalf("unexpected wallet: %+v", got)
	}
	if got.DepositDerivationIndex != 0 || got.ChangeDerivationIndex != 0 {
		t.Fatalf("expected fresh wallet derivation indexes at 0, got %+v", got)
	}
}

func TestRaiseDerivationIndexNeverGoesBackwards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateWallet(ctx, "desc", 0); err != nil {
		t.Fatalf("creating wallet: %v", err)
	}
	if err := s.RaiseDerivationIndex(ctx, false, 10); err != nil {
		t.Fatalf("raising to 10: %v", err)
	}
	if err := s.RaiseDerivationIndex(ctx, false, 3); err != nil {
		t.Fatalf("raising to 3: %v", err)
	}
	w, err := s.GetWallet(ctx)
	if err != nil {
		t.Fatalf("getting wallet: %v", err)
	}
	if w.DepositDerivationIndex != 10 {
		t.Fatalf("expected derivation index to stay at 10, got %d", w.DepositDerivationIndex)
	}
}

func TestTipRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if tip, err := s.GetTip(ctx, "mainnet"); err != nil || tip != nil {
		t.Fatalf("expected no tip yet, got %+v, err %v", tip, err)
	}

	want := BlockInfo{Height: 800000, Hash: chainhash.Hash{1, 2, 3}}
	if err := s.UpdateTip(ctx, "mainnet", want); err != nil {
		t.Fatalf("updating tip: %v", err)
	}
	got, err := s.GetTip(ctx, "mainnet")
	if err != nil {
		t.Fatalf("getting tip: %v", err)
	}
	if got == nil || got.Height != want.Height || got.Hash != want.Hash {
		t.Fatalf("tip mismatch: got %+v want %+v", got, want)
	}

	want.Height = 800001
	if err := s.UpdateTip(ctx, "mainnet", want); err != nil {
		t.Fatalf("updating tip again: %v", err)
	}
	got, err = s.GetTip(ctx, "mainnet")
	if err != nil || got.Height != 800001 {
		t.Fatalf("expected updated tip height 800001, got %+v, err %v", got, err)
	}
}

func TestCoinLifecycleStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	w, err := s.CreateWallet(ctx, "desc", 0)
	if err != nil {
		t.Fatalf("creating wallet: %v", err)
	}

	op := wire.OutPoint{Hash: chainhash.Hash{9}, Index: 0}
	if err := s.InsertCoins(ctx, w.ID, []Coin{{Outpoint: op, AmountSat: 50000}}); err != nil {
		t.Fatalf("inserting coin: %v", err)
	}

	coins, err := s.Coins(ctx, CoinsFilter{})
	if err != nil {
		t.Fatalf("listing coins: %v", err)
	}
	if len(coins) != 1 || coins[0].Status() != CoinUnconfirmed {
		t.Fatalf("expected one unconfirmed coin, got %+v", coins)
	}

	if err := s.InsertCoins(ctx, w.ID, []Coin{{Outpoint: op, AmountSat: 50000}}); err != nil {
		t.Fatalf("idempotent re-insert failed: %v", err)
	}
	coins, err = s.Coins(ctx, CoinsFilter{})
	if err != nil || len(coins) != 1 {
		t.Fatalf("expected re-insert to be a no-op, got %d coins, err %v", len(coins), err)
	}

	if err := s.ConfirmCoins(ctx, 850100, map[wire.OutPoint]BlockInfo{op: {Height: 850000}}); err != nil {
		t.Fatalf("confirming coin: %v", err)
	}
	coins, err = s.Coins(ctx, CoinsFilter{Statuses: []CoinStatus{CoinConfirmed}})
	if err != nil || len(coins) != 1 {
		t.Fatalf("expected one confirmed coin, got %d, err %v", len(coins), err)
	}

	spendTxid := chainhash.Hash{7}
	if err := s.SpendCoins(ctx, map[wire.OutPoint]chainhash.Hash{op: spendTxid}); err != nil {
		t.Fatalf("spending coin: %v", err)
	}
	coins, err = s.Coins(ctx, CoinsFilter{Statuses: []CoinStatus{CoinSpentUnconfirmed}})
	if err != nil || len(coins) != 1 {
		t.Fatalf("expected one spent-unconfirmed coin, got %d, err %v", len(coins), err)
	}

	if err := s.ConfirmSpend(ctx, map[wire.OutPoint]BlockInfo{op: {Height: 850005}}); err != nil {
		t.Fatalf("confirming spend: %v", err)
	}
	coins, err = s.Coins(ctx, CoinsFilter{Statuses: []CoinStatus{CoinSpentConfirmed}})
	if err != nil || len(coins) != 1 {
		t.Fatalf("expected one spent-confirmed coin, got %d, err %v", len(coins), err)
	}
}

func TestLabelsUpsertAndEmptyValueDeletes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateWallet(ctx, "desc", 0); err != nil {
		t.Fatalf("creating wallet: %v", err)
	}

	if err := s.UpdateLabels(ctx, 1, LabelItemAddress, map[string]string{"bc1qsomething": "savings"}); err != nil {
		t.Fatalf("upserting label: %v", err)
	}
	labels, err := s.Labels(ctx, 0, 10)
	if err != nil || len(labels) != 1 || labels[0].Value != "savings" {
		t.Fatalf("expected one label 'savings', got %+v, err %v", labels, err)
	}

	if err := s.UpdateLabels(ctx, 1, LabelItemAddress, map[string]string{"bc1qsomething": ""}); err != nil {
		t.Fatalf("deleting label: %v", err)
	}
	labels, err = s.Labels(ctx, 0, 10)
	if err != nil || len(labels) != 0 {
		t.Fatalf("expected label to be deleted, got %+v, err %v", labels, err)
	}
}

func TestRollbackTipClearsAboveNewTip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	w, err := s.CreateWallet(ctx, "desc", 0)
	if err != nil {
		t.Fatalf("creating wallet: %v", err)
	}
	op := wire.OutPoint{Hash: chainhash.Hash{3}, Index: 1}
	if err := s.InsertCoins(ctx, w.ID, []Coin{{Outpoint: op, AmountSat: 1000}}); err != nil {
		t.Fatalf("inserting coin: %v", err)
	}
	if err := s.ConfirmCoins(ctx, 900100, map[wire.OutPoint]BlockInfo{op: {Height: 900000}}); err != nil {
		t.Fatalf("confirming coin: %v", err)
	}
	if err := s.UpdateTip(ctx, "mainnet", BlockInfo{Height: 900000, Hash: chainhash.Hash{1}}); err != nil {
		t.Fatalf("updating tip: %v", err)
	}

	if err := s.RollbackTip(ctx, "mainnet", BlockInfo{Height: 899995, Hash: chainhash.Hash{2}}); err != nil {
		t.Fatalf("rolling back tip: %v", err)
	}

	coins, err := s.Coins(ctx, CoinsFilter{})
	if err != nil || len(coins) != 1 || coins[0].Status() != CoinUnconfirmed {
		t.Fatalf("expected coin to become unconfirmed after rollback, got %+v, err %v", coins, err)
	}
	tip, err := s.GetTip(ctx, "mainnet")
	if err != nil || tip.Height != 899995 {
		t.Fatalf("expected tip rolled back to 899995, got %+v, err %v", tip, err)
	}
}

func TestDeleteSpendIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.DeleteSpend(ctx, chainhash.Hash{5}); err != nil {
		t.Fatalf("deleting a never-stored spend should be a no-op, got %v", err)
	}
}

type bufferWriter struct{ bytes []byte }

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.bytes = append(w.bytes, p...)
	return len(p), nil
}

func insertTx(t *testing.T, s *Store, in wire.OutPoint, outSat int64) *wire.MsgTx {
	t.Helper()
	ctx := context.Background()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: in})
	tx.AddTxOut(wire.NewTxOut(outSat, []byte{0x00}))
	var buf bufferWriter
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serializing transaction: %v", err)
	}
	if err := s.InsertTransaction(ctx, buf.bytes); err != nil {
		t.Fatalf("inserting transaction: %v", err)
	}
	return tx
}

// TestUpdateCoinsFromSelfPropagatesThroughUnconfirmedChain covers spec
// §4.2's fix-point over an unconfirmed parent -> unconfirmed child chain:
// a coin whose transaction spends only our own coins is from_self even
// while unconfirmed, and that status must chain to its own unconfirmed
// descendants across more than one pass of the fix-point loop.
func TestUpdateCoinsFromSelfPropagatesThroughUnconfirmedChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	w, err := s.CreateWallet(ctx, "desc", 0)
	if err != nil {
		t.Fatalf("creating wallet: %v", err)
	}

	// Coin A: a confirmed, externally-received coin.
	opA := wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: 0}
	height := int32(100)
	if err := s.InsertCoins(ctx, w.ID, []Coin{{Outpoint: opA, BlockHeight: &height, AmountSat: 100000}}); err != nil {
		t.Fatalf("inserting coin A: %v", err)
	}

	// tx1 spends A, creating unconfirmed coin B.
	tx1 := insertTx(t, s, opA, 90000)
	opB := wire.OutPoint{Hash: tx1.TxHash(), Index: 0}
	if err := s.InsertCoins(ctx, w.ID, []Coin{{Outpoint: opB, AmountSat: 90000}}); err != nil {
		t.Fatalf("inserting coin B: %v", err)
	}

	// tx2 spends B, creating unconfirmed coin C.
	tx2 := insertTx(t, s, opB, 80000)
	opC := wire.OutPoint{Hash: tx2.TxHash(), Index: 0}
	if err := s.InsertCoins(ctx, w.ID, []Coin{{Outpoint: opC, AmountSat: 80000}}); err != nil {
		t.Fatalf("inserting coin C: %v", err)
	}

	if err := s.UpdateCoinsFromSelf(ctx, 0); err != nil {
		t.Fatalf("UpdateCoinsFromSelf: %v", err)
	}

	coins, err := s.Coins(ctx, CoinsFilter{Outpoints: []wire.OutPoint{opB, opC}})
	if err != nil {
		t.Fatalf("listing coins: %v", err)
	}
	if len(coins) != 2 {
		t.Fatalf("expected both B and C, got %d", len(coins))
	}
	for _, c := range coins {
		if !c.IsFromSelf {
			t.Fatalf("expected coin %s:%d to be marked from_self, got %+v", c.Outpoint.Hash, c.Outpoint.Index, c)
		}
	}
}
