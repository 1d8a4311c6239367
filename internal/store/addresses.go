package store

import (
	"context"
	"database/sql"

	"github.com/lianahq/lianad/internal/errs"
)

// LookAheadSize is how many receive/change addresses past the current
// derivation index stay cached for the chain follower to watch, so a
// transaction paying a not-yet-raised index is still recognised (spec
// §4.2).
const LookAheadSize = 200

// AddressDeriver produces the receive/change address pair for a given
// derivation index. The caller supplies the implementation, keeping store
// free of a direct dependency on policy/chaincfg.
type AddressDeriver interface {
	DeriveAddressPair(index uint32) (receive, change string, err error)
}

// EnsureAddressCache populates addresses rows for every index in
// [currentIndex, currentIndex+LookAheadSize] that isn't cached yet. Called
// whenever a derivation index is raised (spec §4.2).
func (s *Store) EnsureAddressCache(ctx context.Context, currentIndex uint32, deriver AddressDeriver) error {
	var maxCached uint32
	var haveRows bool
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT MAX(derivation_index) FROM addresses`)
		var max sql.NullInt64
		if err := row.Scan(&max); err != nil {
			return wrapSQLErr(err, "reading max cached address index")
		}
		if max.Valid {
			haveRows = true
			maxCached = uint32(max.Int64)
		}
		return nil
	})
	if err != nil {
		return err
	}

	target := currentIndex + LookAheadSize
	start := uint32(0)
	if haveRows {
		start = maxCached + 1
	}
	if start > target {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO addresses (receive_address, change_address, derivation_index) VALUES (?, ?, ?)`)
		if err != nil {
			return wrapSQLErr(err, "preparing address insert")
		}
		defer stmt.Close()
		for idx := start; idx <= target; idx++ {
			receive, change, err := deriver.DeriveAddressPair(idx)
			if err != nil {
				return errs.Wrap(errs.KindCrypto, err, "deriving address pair at index %d", idx)
			}
			if _, err := stmt.ExecContext(ctx, receive, change, idx); err != nil {
				return wrapSQLErr(err, "caching address pair at index %d", idx)
			}
		}
		return nil
	})
}

// IndexForAddress looks up the derivation index and change/receive flag for
// a cached address, returning ok=false if it isn't in the cache (an address
// too far ahead of the gap limit, or not ours at all).
func (s *Store) IndexForAddress(ctx context.Context, address string) (index uint32, isChange bool, ok bool, err error) {
	err = s.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT derivation_index, 0 FROM addresses WHERE receive_address = ?
UNION ALL
SELECT derivation_index, 1 FROM addresses WHERE change_address = ?`, address, address)
		var idx int64
		var changeFlag int
		if scanErr := row.Scan(&idx, &changeFlag); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return nil
			}
			return wrapSQLErr(scanErr, "looking up address %s", address)
		}
		index = uint32(idx)
		isChange = changeFlag == 1
		ok = true
		return nil
	})
	return index, isChange, ok, err
}
