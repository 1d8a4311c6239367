package store

import (
	"bytes"
	"context"
	"database/sql"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lianahq/lianad/internal/errs"
)

// StoredSpend is one spend_transactions-table row: a draft or
// pending-broadcast transaction the orchestrator (C4) manages.
type StoredSpend struct {
	Psbt      *psbt.Packet
	Txid      chainhash.Hash
	UpdatedAt int64
}

// UpdateSpend upserts a spend draft keyed by its (immutable) txid, per
// spec §4.4's update_spend: re-signing the same unsigned transaction
// replaces the PSBT bytes in place rather than creating a new row.
func (s *Store) UpdateSpend(ctx context.Context, p *psbt.Packet, updatedAt int64) error {
	raw, err := serializePsbt(p)
	if err != nil {
		return err
	}
	txid := p.UnsignedTx.TxHash()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO spend_transactions (psbt, txid, updated_at) VALUES (?, ?, ?)
ON CONFLICT (txid) DO UPDATE SET psbt = excluded.psbt, updated_at = excluded.updated_at`,
			raw, txid[:], updatedAt)
		return wrapSQLErr(err, "upserting spend %s", txid)
	})
}

// ListSpends returns every spend draft, or, when txids is non-empty, only
// those matching (spec §4.4's list_spend; an empty filter means "all").
func (s *Store) ListSpends(ctx context.Context, txids []chainhash.Hash) ([]StoredSpend, error) {
	var out []StoredSpend
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT psbt, txid, updated_at FROM spend_transactions`
		var args []interface{}
		if len(txids) > 0 {
			placeholders := ""
			for i, id := range txids {
				if i > 0 {
					placeholders += ", "
				}
				placeholders += "?"
				idCopy := id
				args = append(args, idCopy[:])
			}
			query += " WHERE txid IN (" + placeholders + ")"
		}
		query += " ORDER BY updated_at DESC"

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return wrapSQLErr(err, "listing spends")
		}
		defer rows.Close()
		for rows.Next() {
			var raw, txidRaw []byte
			var updatedAt int64
			if err := rows.Scan(&raw, &txidRaw, &updatedAt); err != nil {
				return wrapSQLErr(err, "scanning spend")
			}
			p, err := deserializePsbt(raw)
			if err != nil {
				return err
			}
			h, err := chainhash.NewHash(txidRaw)
			if err != nil {
				return errs.Wrap(errs.KindPersistence, err, "decoding spend txid")
			}
			out = append(out, StoredSpend{Psbt: p, Txid: *h, UpdatedAt: updatedAt})
		}
		return wrapSQLErr(rows.Err(), "iterating spends")
	})
	return out, err
}

// DeleteSpend removes a spend draft. Deleting a txid that isn't stored is
// not an error (spec §4.4's delete_spend is idempotent).
func (s *Store) DeleteSpend(ctx context.Context, txid chainhash.Hash) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM spend_transactions WHERE txid = ?`, txid[:])
		return wrapSQLErr(err, "deleting spend %s", txid)
	})
}

func serializePsbt(p *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "serializing psbt")
	}
	return buf.Bytes(), nil
}

func deserializePsbt(raw []byte) (*psbt.Packet, error) {
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "parsing stored psbt")
	}
	return p, nil
}
