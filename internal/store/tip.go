package store

import (
	"context"
	"database/sql"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lianahq/lianad/internal/errs"
)

// BlockInfo identifies a block by height and hash.
type BlockInfo struct {
	Height int32
	Hash   chainhash.Hash
}

// GetTip returns the wallet's last-processed block, or nil if the wallet
// has never synced past genesis (spec §4.2).
func (s *Store) GetTip(ctx context.Context, network string) (*BlockInfo, error) {
	var tip *BlockInfo
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		var height sql.NullInt32
		var hash []byte
		row := tx.QueryRowContext(ctx, `SELECT blockheight, blockhash FROM tip WHERE network = ?`, network)
		if err := row.Scan(&height, &hash); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return wrapSQLErr(err, "reading tip")
		}
		if !height.Valid || hash == nil {
			return nil
		}
		h, err := chainhash.NewHash(hash)
		if err != nil {
			return errs.Wrap(errs.KindPersistence, err, "decoding tip blockhash")
		}
		tip = &BlockInfo{Height: height.Int32, Hash: *h}
		return nil
	})
	return tip, err
}

// UpdateTip records the wallet's new last-processed block, creating the
// row for network on first use.
func (s *Store) UpdateTip(ctx context.Context, network string, tip BlockInfo) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tip SET blockheight = ?, blockhash = ? WHERE network = ?`,
			tip.Height, tip.Hash[:], network)
		if err != nil {
			return wrapSQLErr(err, "updating tip")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapSQLErr(err, "checking tip update result")
		}
		if n == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tip (network, blockheight, blockhash) VALUES (?, ?, ?)`,
				network, tip.Height, tip.Hash[:]); err != nil {
				return wrapSQLErr(err, "inserting tip")
			}
		}
		return nil
	})
}
