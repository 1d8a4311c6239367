package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lianahq/lianad/internal/errs"
)

// migrationStep brings a database forward by exactly one schema version.
type migrationStep func(ctx context.Context, tx *sql.Tx, txProvider TxProvider) error

// migrations[i] converts version i to version i+1. A new database never
// runs these: it is created directly at DBVersion by initSchema.
var migrations = []migrationStep{
	migrateV0toV1,
	migrateV1toV2,
	migrateV2toV3,
	migrateV3toV4,
	migrateV4toV5,
	migrateV5toV6,
	migrateV6toV7,
	migrateV7toV8,
}

// migrate reads the current schema version and applies migrationStep's
// one at a time until the database reaches DBVersion. A version above
// DBVersion is refused outright: an older lianad binary must never write to
// a database a newer one has touched (spec §4.2, §6).
func (s *Store) migrate(ctx context.Context, txProvider TxProvider) error {
	s.mu.Lock()
	version, err := s.currentVersionLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if version > DBVersion {
		return errs.New(errs.KindPersistence,
			"database is at schema version %d, newer than this binary's %d", version, DBVersion)
	}

	for version < DBVersion {
		step := migrations[version]
		s.log.Info("running migration", "from_version", version, "to_version", version+1)
		if err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := step(ctx, tx, txProvider); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "UPDATE version SET version = ?", version+1); err != nil {
				return wrapSQLErr(err, "writing version %d", version+1)
			}
			return nil
		}); err != nil {
			return errs.Wrap(errs.KindPersistence, err, "migrating from version %d to %d", version, version+1)
		}
		version++
	}
	return nil
}

func (s *Store) currentVersionLocked(ctx context.Context) (int, error) {
	var version int
	row := s.db.QueryRowContext(ctx, "SELECT version FROM version LIMIT 1")
	if err := row.Scan(&version); err != nil {
		return 0, errs.Wrap(errs.KindPersistence, err, "reading schema version")
	}
	return version, nil
}

// migrateV0toV1 adds the is_immature flag to coins, defaulting to false:
// versions before 1 had no concept of immature coinbase outputs.
func migrateV0toV1(ctx context.Context, tx *sql.Tx, _ TxProvider) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE coins ADD COLUMN is_immature BOOLEAN NOT NULL DEFAULT 0 CHECK (is_immature IN (0,1))`)
	return wrapSQLErr(err, "v0->v1: adding coins.is_immature")
}

// migrateV1toV2 adds the spend_block_height/spend_block_time columns,
// splitting "spent" from "spent and confirmed" (spec §4.2's four coin
// states).
func migrateV1toV2(ctx context.Context, tx *sql.Tx, _ TxProvider) error {
	for _, stmt := range []string{
		`ALTER TABLE coins ADD COLUMN spend_block_height INTEGER`,
		`ALTER TABLE coins ADD COLUMN spend_block_time INTEGER`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return wrapSQLErr(err, "v1->v2: %s", stmt)
		}
	}
	return nil
}

// migrateV2toV3 adds the spend_transactions.updated_at column used by
// update_spend/list_spend ordering.
func migrateV2toV3(ctx context.Context, tx *sql.Tx, _ TxProvider) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE spend_transactions ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`)
	return wrapSQLErr(err, "v2->v3: adding spend_transactions.updated_at")
}

// migrateV3toV4 adds the labels table (BIP-329-style item labelling).
func migrateV3toV4(ctx context.Context, tx *sql.Tx, _ TxProvider) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE labels (
	id INTEGER PRIMARY KEY NOT NULL,
	wallet_id INTEGER NOT NULL,
	item_kind INTEGER NOT NULL CHECK (item_kind IN (0,1,2)),
	item TEXT UNIQUE NOT NULL,
	value TEXT NOT NULL
)`)
	return wrapSQLErr(err, "v3->v4: creating labels table")
}

// migrateV4toV5 introduces the transactions cache table (full raw
// transaction bytes plus a num_inputs/num_outputs/is_coinbase summary) and
// backfills it for every txid coins.go already references. Pre-v5
// databases didn't keep the raw transaction around, so the caller must
// supply one via txProvider — mirroring the original migration, which took
// an externally supplied transaction set rather than trying to fetch them
// itself mid-migration (spec §9 open question).
func migrateV4toV5(ctx context.Context, tx *sql.Tx, txProvider TxProvider) error {
	if _, err := tx.ExecContext(ctx, `
CREATE TABLE transactions (
	id INTEGER PRIMARY KEY NOT NULL,
	txid BLOB UNIQUE NOT NULL,
	tx BLOB NOT NULL,
	num_inputs INTEGER NOT NULL,
	num_outputs INTEGER NOT NULL,
	is_coinbase BOOLEAN NOT NULL CHECK (is_coinbase IN (0,1))
)`); err != nil {
		return wrapSQLErr(err, "v4->v5: creating transactions table")
	}

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT txid FROM coins`)
	if err != nil {
		return wrapSQLErr(err, "v4->v5: listing referenced txids")
	}
	var txids [][]byte
	for rows.Next() {
		var txid []byte
		if err := rows.Scan(&txid); err != nil {
			rows.Close()
			return wrapSQLErr(err, "v4->v5: scanning txid")
		}
		txids = append(txids, txid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapSQLErr(err, "v4->v5: iterating txids")
	}
	if len(txids) == 0 {
		return nil
	}

	if txProvider == nil {
		return errs.New(errs.KindPersistence,
			"migrating to version 5 requires historical transaction data but no transaction provider was supplied")
	}
	txByID, err := txProvider(ctx, txids)
	if err != nil {
		return errs.Wrap(errs.KindPersistence, err, "v4->v5: fetching historical transactions")
	}

	insertStmt, err := tx.PrepareContext(ctx, `
INSERT INTO transactions (txid, tx, num_inputs, num_outputs, is_coinbase) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapSQLErr(err, "v4->v5: preparing insert")
	}
	defer insertStmt.Close()

	for _, txid := range txids {
		raw, ok := txByID[fmt.Sprintf("%x", txid)]
		if !ok {
			return errs.New(errs.KindPersistence, "no historical transaction supplied for txid %x", txid)
		}
		numIn, numOut, isCoinbase, err := decodeTxSummary(raw)
		if err != nil {
			return errs.Wrap(errs.KindPersistence, err, "v4->v5: decoding historical transaction %x", txid)
		}
		if _, err := insertStmt.ExecContext(ctx, txid, raw, numIn, numOut, isCoinbase); err != nil {
			return wrapSQLErr(err, "v4->v5: inserting transaction %x", txid)
		}
	}
	return nil
}

// migrateV5toV6 adds the is_from_self propagation flag to coins.
func migrateV5toV6(ctx context.Context, tx *sql.Tx, _ TxProvider) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE coins ADD COLUMN is_from_self BOOLEAN NOT NULL DEFAULT 0 CHECK (is_from_self IN (0,1))`)
	return wrapSQLErr(err, "v5->v6: adding coins.is_from_self")
}

// migrateV6toV7 adds the wallets.last_poll_timestamp column tracking the
// most recent bitcoind poll, used to surface sync-health in status RPCs.
func migrateV6toV7(ctx context.Context, tx *sql.Tx, _ TxProvider) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE wallets ADD COLUMN last_poll_timestamp INTEGER`)
	return wrapSQLErr(err, "v6->v7: adding wallets.last_poll_timestamp")
}

// migrateV7toV8 adds the unique constraint on addresses.derivation_index,
// closing a gap where the gap-limit cache could otherwise double-insert a
// row for the same index after a crash mid-populate.
func migrateV7toV8(ctx context.Context, tx *sql.Tx, _ TxProvider) error {
	for _, stmt := range []string{
		`CREATE TABLE addresses_v8 (
			receive_address TEXT NOT NULL UNIQUE,
			change_address TEXT NOT NULL UNIQUE,
			derivation_index INTEGER NOT NULL UNIQUE
		)`,
		`INSERT INTO addresses_v8 SELECT receive_address, change_address, derivation_index FROM addresses GROUP BY derivation_index`,
		`DROP TABLE addresses`,
		`ALTER TABLE addresses_v8 RENAME TO addresses`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return wrapSQLErr(err, "v7->v8: %s", stmt)
		}
	}
	return nil
}
