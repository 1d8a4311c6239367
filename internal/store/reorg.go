package store

import (
	"context"
	"database/sql"

	"github.com/btcsuite/btcd/wire"
)

// RollbackTip undoes everything the store recorded above newTip: clears
// confirmation info on coins and spends confirmed above it, clears
// is_from_self on coins that are no longer confirmed (their confirmation
// chain may no longer hold), and finally moves the tip itself back (spec
// §4.2, §4.5). Order matters: the tip must move last, so a crash
// mid-rollback is retried from the same starting point rather than
// silently skipped.
func (s *Store) RollbackTip(ctx context.Context, network string, newTip BlockInfo) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE coins SET blockheight = NULL, blocktime = NULL, is_from_self = 0 WHERE blockheight > ?`,
			newTip.Height); err != nil {
			return wrapSQLErr(err, "clearing confirmed coins above height %d", newTip.Height)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE coins SET spend_block_height = NULL, spend_block_time = NULL WHERE spend_block_height > ?`,
			newTip.Height); err != nil {
			return wrapSQLErr(err, "clearing confirmed spends above height %d", newTip.Height)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tip SET blockheight = ?, blockhash = ? WHERE network = ?`,
			newTip.Height, newTip.Hash[:], network); err != nil {
			return wrapSQLErr(err, "rewriting tip to height %d", newTip.Height)
		}
		return nil
	})
}

// UnconfirmedCoinsAbove returns the outpoints of coins whose blockheight
// exceeds h, i.e. the coins a RollbackTip to h would unconfirm (spec §4.5).
func (s *Store) UnconfirmedCoinsAbove(ctx context.Context, h int32) ([]wire.OutPoint, error) {
	var out []wire.OutPoint
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT txid, vout FROM coins WHERE blockheight > ?`, h)
		if err != nil {
			return wrapSQLErr(err, "listing coins above height %d", h)
		}
		defer rows.Close()
		for rows.Next() {
			var txid []byte
			var vout int64
			if err := rows.Scan(&txid, &vout); err != nil {
				return wrapSQLErr(err, "scanning outpoint")
			}
			h, err := chainhashFromBytes(txid)
			if err != nil {
				return err
			}
			out = append(out, wire.OutPoint{Hash: h, Index: uint32(vout)})
		}
		return wrapSQLErr(rows.Err(), "iterating outpoints")
	})
	return out, err
}
