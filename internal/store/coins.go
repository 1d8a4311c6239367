package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lianahq/lianad/internal/errs"
)

// CoinStatus is the four-way lifecycle of a coin (spec §4.2): a coin is
// unconfirmed or confirmed, and independently unspent or spent (with the
// spend itself unconfirmed or confirmed). The struct's nullable columns
// encode all four combinations without a separate status column.
type CoinStatus int

const (
	CoinUnconfirmed CoinStatus = iota
	CoinConfirmed
	CoinSpentUnconfirmed
	CoinSpentConfirmed
)

// Coin is one coins-table row: a UTXO (or a once-UTXO that's now spent)
// that pays to one of our keychains (spec §4.2).
type Coin struct {
	Outpoint        wire.OutPoint
	BlockHeight     *int32
	BlockTime       *int64
	AmountSat       uint64
	DerivationIndex uint32
	IsChange        bool
	IsImmature      bool
	IsFromSelf      bool
	SpendTxid       *chainhash.Hash
	SpendBlockHeight *int32
	SpendBlockTime   *int64
}

// Status derives the coin's lifecycle state from its nullable columns.
func (c *Coin) Status() CoinStatus {
	switch {
	case c.SpendTxid != nil && c.SpendBlockHeight != nil:
		return CoinSpentConfirmed
	case c.SpendTxid != nil:
		return CoinSpentUnconfirmed
	case c.BlockHeight != nil:
		return CoinConfirmed
	default:
		return CoinUnconfirmed
	}
}

// InsertCoins idempotently records newly-seen coins (ON CONFLICT on the
// (txid, vout) unique constraint is a no-op: the chain follower may see the
// same output more than once across polls).
func (s *Store) InsertCoins(ctx context.Context, walletID int64, coins []Coin) error {
	if len(coins) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO coins (wallet_id, blockheight, blocktime, txid, vout, amount_sat,
                    derivation_index, is_change, is_immature, is_from_self)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (txid, vout) DO NOTHING`)
		if err != nil {
			return wrapSQLErr(err, "preparing coin insert")
		}
		defer stmt.Close()
		for _, c := range coins {
			txid := c.Outpoint.Hash
			if _, err := stmt.ExecContext(ctx, walletID, c.BlockHeight, c.BlockTime,
				txid[:], c.Outpoint.Index, c.AmountSat, c.DerivationIndex,
				c.IsChange, c.IsImmature, c.IsFromSelf); err != nil {
				return wrapSQLErr(err, "inserting coin %s:%d", txid, c.Outpoint.Index)
			}
		}
		return nil
	})
}

// CoinsFilter restricts Coins to a subset of statuses and/or outpoints.
// A nil/empty Statuses or Outpoints means "don't filter on this axis".
type CoinsFilter struct {
	Statuses  []CoinStatus
	Outpoints []wire.OutPoint
}

// Coins returns every coin matching filter (spec §4.2's coins(statuses,
// outpoints) query). With no filter at all, every coin is returned.
func (s *Store) Coins(ctx context.Context, filter CoinsFilter) ([]Coin, error) {
	var coins []Coin
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		query := `
SELECT blockheight, blocktime, txid, vout, amount_sat, derivation_index,
       is_change, is_immature, is_from_self, spend_txid, spend_block_height, spend_block_time
FROM coins`
		var clauses []string
		var args []interface{}

		if len(filter.Outpoints) > 0 {
			placeholders := make([]string, len(filter.Outpoints))
			for i, op := range filter.Outpoints {
				placeholders[i] = "(?, ?)"
				txid := op.Hash
				args = append(args, txid[:], op.Index)
			}
			clauses = append(clauses, "(txid, vout) IN ("+strings.Join(placeholders, ", ")+")")
		}
		if len(filter.Statuses) > 0 {
			var statusClauses []string
			for _, st := range filter.Statuses {
				statusClauses = append(statusClauses, statusWhereClause(st))
			}
			clauses = append(clauses, "("+strings.Join(statusClauses, " OR ")+")")
		}
		if len(clauses) > 0 {
			query += " WHERE " + strings.Join(clauses, " AND ")
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return wrapSQLErr(err, "querying coins")
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanCoin(rows)
			if err != nil {
				return err
			}
			coins = append(coins, c)
		}
		return wrapSQLErr(rows.Err(), "iterating coins")
	})
	return coins, err
}

func statusWhereClause(st CoinStatus) string {
	switch st {
	case CoinUnconfirmed:
		return "(blockheight IS NULL AND spend_txid IS NULL)"
	case CoinConfirmed:
		return "(blockheight IS NOT NULL AND spend_txid IS NULL)"
	case CoinSpentUnconfirmed:
		return "(spend_txid IS NOT NULL AND spend_block_height IS NULL)"
	case CoinSpentConfirmed:
		return "(spend_txid IS NOT NULL AND spend_block_height IS NOT NULL)"
	default:
		return "0"
	}
}

func scanCoin(rows *sql.Rows) (Coin, error) {
	var c Coin
	var blockheight, blocktime, spendBlockHeight, spendBlockTime sql.NullInt64
	var txid, spendTxid []byte
	var vout int64
	if err := rows.Scan(&blockheight, &blocktime, &txid, &vout, &c.AmountSat, &c.DerivationIndex,
		&c.IsChange, &c.IsImmature, &c.IsFromSelf, &spendTxid, &spendBlockHeight, &spendBlockTime); err != nil {
		return c, wrapSQLErr(err, "scanning coin")
	}
	h, err := chainhash.NewHash(txid)
	if err != nil {
		return c, errs.Wrap(errs.KindPersistence, err, "decoding coin txid")
	}
	c.Outpoint = wire.OutPoint{Hash: *h, Index: uint32(vout)}
	if blockheight.Valid {
		v := int32(blockheight.Int64)
		c.BlockHeight = &v
	}
	if blocktime.Valid {
		v := blocktime.Int64
		c.BlockTime = &v
	}
	if spendTxid != nil {
		h, err := chainhash.NewHash(spendTxid)
		if err != nil {
			return c, errs.Wrap(errs.KindPersistence, err, "decoding coin spend txid")
		}
		c.SpendTxid = h
	}
	if spendBlockHeight.Valid {
		v := int32(spendBlockHeight.Int64)
		c.SpendBlockHeight = &v
	}
	if spendBlockTime.Valid {
		v := spendBlockTime.Int64
		c.SpendBlockTime = &v
	}
	return c, nil
}

// ConfirmCoins sets blockheight for previously-unconfirmed coins (blocktime
// is written as 0, since BlockInfo carries no block time),
// and clears is_immature once a coinbase coin reaches COINBASE_MATURITY
// confirmations (100 blocks; spec §4.2).
func (s *Store) ConfirmCoins(ctx context.Context, tipHeight int32, confirmations map[wire.OutPoint]BlockInfo) error {
	if len(confirmations) == 0 {
		return nil
	}
	const coinbaseMaturity = 100
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
UPDATE coins SET blockheight = ?, blocktime = ?,
                 is_immature = CASE WHEN is_immature = 1 AND ? - ? < ? THEN 1 ELSE 0 END
WHERE txid = ? AND vout = ?`)
		if err != nil {
			return wrapSQLErr(err, "preparing coin confirmation")
		}
		defer stmt.Close()
		for op, info := range confirmations {
			txid := op.Hash
			if _, err := stmt.ExecContext(ctx, info.Height, 0, tipHeight, info.Height, coinbaseMaturity,
				txid[:], op.Index); err != nil {
				return wrapSQLErr(err, "confirming coin %s:%d", txid, op.Index)
			}
		}
		return nil
	})
}

// SpendCoins records that coins have been spent by spendTxid (unconfirmed:
// spend_block_height stays NULL until ConfirmSpend runs).
func (s *Store) SpendCoins(ctx context.Context, spends map[wire.OutPoint]chainhash.Hash) error {
	if len(spends) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE coins SET spend_txid = ? WHERE txid = ? AND vout = ?`)
		if err != nil {
			return wrapSQLErr(err, "preparing coin spend")
		}
		defer stmt.Close()
		for op, spendTxid := range spends {
			txid := op.Hash
			st := spendTxid
			if _, err := stmt.ExecContext(ctx, st[:], txid[:], op.Index); err != nil {
				return wrapSQLErr(err, "spending coin %s:%d", txid, op.Index)
			}
		}
		return nil
	})
}

// ConfirmSpend records the confirmation of a coin's spending transaction.
func (s *Store) ConfirmSpend(ctx context.Context, confirmations map[wire.OutPoint]BlockInfo) error {
	if len(confirmations) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE coins SET spend_block_height = ?, spend_block_time = ? WHERE txid = ? AND vout = ?`)
		if err != nil {
			return wrapSQLErr(err, "preparing spend confirmation")
		}
		defer stmt.Close()
		for op, info := range confirmations {
			txid := op.Hash
			if _, err := stmt.ExecContext(ctx, info.Height, 0, txid[:], op.Index); err != nil {
				return wrapSQLErr(err, "confirming spend of %s:%d", txid, op.Index)
			}
		}
		return nil
	})
}

// UnspendMempoolEvictions reverts SpendCoins for outpoints whose spending
// transaction was evicted from the mempool before confirming, so they
// become selectable again (spec §4.5's "unspends").
func (s *Store) UnspendMempoolEvictions(ctx context.Context, outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.UnspendCoins(ctx, tx, outpoints)
	})
}

// UnspendCoins reverts SpendCoins/ConfirmSpend for outpoints inside the
// caller's transaction; UnspendMempoolEvictions is its caller.
func (s *Store) UnspendCoins(ctx context.Context, tx *sql.Tx, outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE coins SET spend_txid = NULL, spend_block_height = NULL, spend_block_time = NULL WHERE txid = ? AND vout = ?`)
	if err != nil {
		return wrapSQLErr(err, "preparing coin unspend")
	}
	defer stmt.Close()
	for _, op := range outpoints {
		txid := op.Hash
		if _, err := stmt.ExecContext(ctx, txid[:], op.Index); err != nil {
			return wrapSQLErr(err, "unspending coin %s:%d", txid, op.Index)
		}
	}
	return nil
}
