package store

import (
	"context"
	"database/sql"
)

// UpdateCoinsFromSelf propagates the is_from_self flag: a coin is
// "from self" if the transaction that created it spent only coins that are
// themselves ours (every input's outpoint is a row in coins) and either
// confirmed or already marked from_self. Runs as a bounded
// fix-point: each pass can mark coins created by a transaction that spent
// only already-known from_self coins, so it must iterate until a pass marks
// nothing new (spec §4.2, §9).
//
// This only ever needs to look at newly-confirmed blocks onward: a coin
// confirmed before prevTipHeight already had its is_from_self settled by an
// earlier call.
func (s *Store) UpdateCoinsFromSelf(ctx context.Context, prevTipHeight int32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateCoinsFromSelfGo(ctx, tx, prevTipHeight)
	})
}

// updateCoinsFromSelfGo does the propagation in application code rather
// than SQL, since deciding "every input of this transaction spends one of
// our coins" requires decoding the raw transaction (wire.MsgTx), which the
// blob column itself can't express as a query predicate. It mirrors the
// fix-point loop update_coins_from_self runs over a SQL recursive view in
// the original implementation, just moved one layer up.
func (s *Store) updateCoinsFromSelfGo(ctx context.Context, tx *sql.Tx, prevTipHeight int32) error {
	// The number of passes is bounded by the count of unconfirmed coins
	// plus two.
	var numUnconfirmed int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM coins WHERE blockheight IS NULL`).Scan(&numUnconfirmed); err != nil {
		return wrapSQLErr(err, "counting unconfirmed coins")
	}
	for i := 0; i < numUnconfirmed+2; i++ {
		rows, err := tx.QueryContext(ctx, `
SELECT c.id, t.tx FROM coins c
JOIN transactions t ON t.txid = c.txid
WHERE c.is_from_self = 0 AND (c.blockheight IS NULL OR c.blockheight > ?)`, prevTipHeight)
		if err != nil {
			return wrapSQLErr(err, "listing candidate coins for is_from_self")
		}
		type candidate struct {
			id  int64
			raw []byte
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.raw); err != nil {
				rows.Close()
				return wrapSQLErr(err, "scanning is_from_self candidate")
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapSQLErr(err, "iterating is_from_self candidates")
		}
		if len(candidates) == 0 {
			return nil
		}

		var markedAny bool
		for _, c := range candidates {
			ours, err := allInputsOurs(ctx, tx, c.raw)
			if err != nil {
				return err
			}
			if !ours {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE coins SET is_from_self = 1 WHERE id = ?`, c.id); err != nil {
				return wrapSQLErr(err, "marking coin %d as from_self", c.id)
			}
			markedAny = true
		}
		if !markedAny {
			return nil
		}
	}
	return nil
}

// allInputsOurs reports whether every input of raw spends an outpoint that
// is itself one of our coins, confirmed or already from_self.
func allInputsOurs(ctx context.Context, tx *sql.Tx, raw []byte) (bool, error) {
	msgTx, err := decodeTx(raw)
	if err != nil {
		return false, err
	}
	if len(msgTx.TxIn) == 0 {
		return false, nil
	}
	for _, in := range msgTx.TxIn {
		prevTxid := in.PreviousOutPoint.Hash
		var isFromSelf, isConfirmed int
		row := tx.QueryRowContext(ctx, `
SELECT is_from_self, CASE WHEN blockheight IS NOT NULL THEN 1 ELSE 0 END
FROM coins WHERE txid = ? AND vout = ?`, prevTxid[:], in.PreviousOutPoint.Index)
		if err := row.Scan(&isFromSelf, &isConfirmed); err != nil {
			if err == sql.ErrNoRows {
				return false, nil
			}
			return false, wrapSQLErr(err, "looking up input coin %s:%d", prevTxid, in.PreviousOutPoint.Index)
		}
		if isFromSelf == 0 && isConfirmed == 0 {
			return false, nil
		}
	}
	return true, nil
}
