package store

import (
	"context"
	"database/sql"
)

// Wallet is the single wallets-table row: the descriptor and the two
// derivation-index high-water marks (spec §4.1, §4.2).
type Wallet struct {
	ID                     int64
	Timestamp              int64
	MainDescriptor         string
	DepositDerivationIndex uint32
	ChangeDerivationIndex  uint32
	RescanTimestamp        *int64
	LastPollTimestamp      *int64
}

// CreateWallet inserts the (singleton) wallet row. Called once, at
// first-run, immediately after initSchema.
func (s *Store) CreateWallet(ctx context.Context, descriptor string, timestamp int64) (*Wallet, error) {
	w := &Wallet{Timestamp: timestamp, MainDescriptor: descriptor}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO wallets (timestamp, main_descriptor, deposit_derivation_index, change_derivation_index)
VALUES (?, ?, 0, 0)`, timestamp, descriptor)
		if err != nil {
			return wrapSQLErr(err, "inserting wallet")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return wrapSQLErr(err, "reading new wallet id")
		}
		w.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWallet returns the wallet row, or (nil, nil) if none exists yet.
func (s *Store) GetWallet(ctx context.Context) (*Wallet, error) {
	var w *Wallet
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT id, timestamp, main_descriptor, deposit_derivation_index, change_derivation_index,
       rescan_timestamp, last_poll_timestamp
FROM wallets LIMIT 1`)
		var got Wallet
		var rescan, lastPoll sql.NullInt64
		if err := row.Scan(&got.ID, &got.Timestamp, &got.MainDescriptor,
			&got.DepositDerivationIndex, &got.ChangeDerivationIndex, &rescan, &lastPoll); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return wrapSQLErr(err, "reading wallet")
		}
		if rescan.Valid {
			got.RescanTimestamp = &rescan.Int64
		}
		if lastPoll.Valid {
			got.LastPollTimestamp = &lastPoll.Int64
		}
		w = &got
		return nil
	})
	return w, err
}

// RaiseDerivationIndex bumps the deposit or change derivation-index
// high-water mark to index, if index is greater than the current value
// (spec §4.2: raising never moves the counter backwards).
func (s *Store) RaiseDerivationIndex(ctx context.Context, isChange bool, index uint32) error {
	col := "deposit_derivation_index"
	if isChange {
		col = "change_derivation_index"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE wallets SET "+col+" = MAX("+col+", ?)", index)
		return wrapSQLErr(err, "raising %s", col)
	})
}

// SetRescanTimestamp records (or clears, with nil) the timestamp a rescan
// should restart from.
func (s *Store) SetRescanTimestamp(ctx context.Context, ts *int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE wallets SET rescan_timestamp = ?`, ts)
		return wrapSQLErr(err, "setting rescan timestamp")
	})
}

// SetLastPollTimestamp records the time of the most recent successful
// bitcoind poll.
func (s *Store) SetLastPollTimestamp(ctx context.Context, ts int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE wallets SET last_poll_timestamp = ?`, ts)
		return wrapSQLErr(err, "setting last poll timestamp")
	})
}
