package store

import (
	"context"
	"database/sql"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lianahq/lianad/internal/errs"
)

// StoredTransaction is one transactions-table row: the full raw transaction
// plus the summary columns used to join against coins without decoding it
// (spec §4.2).
type StoredTransaction struct {
	Txid       chainhash.Hash
	Raw        []byte
	NumInputs  int
	NumOutputs int
	IsCoinbase bool
}

// InsertTransaction idempotently caches a raw transaction, deriving its
// summary columns with decodeTxSummary. A FOREIGN KEY from coins.txid means
// this must run before InsertCoins for the same txid.
func (s *Store) InsertTransaction(ctx context.Context, raw []byte) error {
	numIn, numOut, isCoinbase, err := decodeTxSummary(raw)
	if err != nil {
		return err
	}
	msgTx, err := decodeTx(raw)
	if err != nil {
		return err
	}
	txid := msgTx.TxHash()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO transactions (txid, tx, num_inputs, num_outputs, is_coinbase)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (txid) DO NOTHING`, txid[:], raw, numIn, numOut, isCoinbase)
		return wrapSQLErr(err, "inserting transaction %s", txid)
	})
}

// GetTransaction returns the cached raw transaction for txid, or (nil, nil)
// if it isn't cached.
func (s *Store) GetTransaction(ctx context.Context, txid chainhash.Hash) (*StoredTransaction, error) {
	var got *StoredTransaction
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT tx, num_inputs, num_outputs, is_coinbase FROM transactions WHERE txid = ?`, txid[:])
		var t StoredTransaction
		t.Txid = txid
		if err := row.Scan(&t.Raw, &t.NumInputs, &t.NumOutputs, &t.IsCoinbase); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return wrapSQLErr(err, "reading transaction %s", txid)
		}
		got = &t
		return nil
	})
	return got, err
}

// ListTxids paginates over cached txids in insertion order, skipping the
// first start rows and returning at most limit, for export/debugging
// tooling. It does not filter or order by block time.
func (s *Store) ListTxids(ctx context.Context, start, limit int) ([]chainhash.Hash, error) {
	var out []chainhash.Hash
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT txid FROM transactions ORDER BY id LIMIT ? OFFSET ?`, limit, start)
		if err != nil {
			return wrapSQLErr(err, "listing txids")
		}
		defer rows.Close()
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return wrapSQLErr(err, "scanning txid")
			}
			h, err := chainhash.NewHash(raw)
			if err != nil {
				return errs.Wrap(errs.KindPersistence, err, "decoding txid")
			}
			out = append(out, *h)
		}
		return wrapSQLErr(rows.Err(), "iterating txids")
	})
	return out, err
}
