// Package store is the SQLite-backed persistence core (C2): coins,
// transactions, addresses, labels, spend drafts, the wallet singleton row,
// and the idempotent forward-only migration system. Single-writer
// discipline is assumed at the database layer; every multi-step operation
// runs inside one transaction, opened in SQLite's default deferred mode
// (not BEGIN IMMEDIATE) and serialised by the Store's mutex (spec §4.2, §5).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/lianahq/lianad/internal/errs"
)

// TxProvider supplies historical Bitcoin transactions a migration needs but
// that the pre-migration schema didn't keep around itself (spec §4.2, §9:
// the v4→v5 migration is the only one that needs this).
type TxProvider func(ctx context.Context, txids [][]byte) (map[string][]byte, error)

// Store is the single-wallet SQLite persistence layer. It serialises all
// database access behind a mutex, mirroring the single-writer, mutex-guarded
// connection the spec requires between the RPC handler thread and the chain
// follower thread (spec §5).
type Store struct {
	log hclog.Logger
	mu  sync.Mutex
	db  *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applying
// migrations up to DBVersion. File mode is 0600 on POSIX and the file is
// created exclusively on first run (spec §6).
func Open(ctx context.Context, path string, log hclog.Logger, txProvider TxProvider) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, errs.Wrap(errs.KindPersistence, err, "creating database file %s", path)
		}
		f.Close()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, err, "opening database %s", path)
	}
	db.SetMaxOpenConns(1) // single-writer discipline (spec §5)

	s := &Store{log: log.Named("store"), db: db}

	if isNew {
		if err := s.initSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.migrate(ctx, txProvider); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errs.Wrap(errs.KindPersistence, err, "beginning schema init transaction")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return errs.Wrap(errs.KindPersistence, err, "creating schema")
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO version (version) VALUES (?)", DBVersion); err != nil {
		return errs.Wrap(errs.KindPersistence, err, "writing schema version")
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindPersistence, err, "committing schema init")
	}
	s.log.Info("initialised new database", "version", DBVersion)
	return nil
}

// withTx runs fn inside a transaction, begun in SQLite's default deferred
// mode rather than as BEGIN IMMEDIATE, while holding the Store's mutex: all
// its reads and writes either commit together or roll back together
// (spec §4.2, §5).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errs.Wrap(errs.KindPersistence, err, "beginning transaction")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindPersistence, err, "committing transaction")
	}
	return nil
}

// withReadTx runs fn against the shared connection without requiring an
// exclusive transaction, for independent reads (spec §4.2).
func (s *Store) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return errs.Wrap(errs.KindPersistence, err, "beginning read transaction")
	}
	defer tx.Rollback()
	return fn(tx)
}

func wrapSQLErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.KindPersistence, err, fmt.Sprintf(format, args...))
}
