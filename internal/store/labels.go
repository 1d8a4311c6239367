package store

import (
	"context"
	"database/sql"
)

// LabelItemKind distinguishes what a label's item key names: an address,
// a txid, or an outpoint (spec §4.2, following the BIP-329 label export
// shape).
type LabelItemKind int

const (
	LabelItemAddress LabelItemKind = iota
	LabelItemTxid
	LabelItemOutpoint
)

// Label is one labels-table row.
type Label struct {
	Kind  LabelItemKind
	Item  string
	Value string
}

// UpdateLabels write-through updates labels: a non-empty value upserts the
// row, an empty value deletes it (spec §4.2).
func (s *Store) UpdateLabels(ctx context.Context, walletID int64, kind LabelItemKind, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		upsert, err := tx.PrepareContext(ctx, `
INSERT INTO labels (wallet_id, item_kind, item, value) VALUES (?, ?, ?, ?)
ON CONFLICT (item) DO UPDATE SET value = excluded.value`)
		if err != nil {
			return wrapSQLErr(err, "preparing label upsert")
		}
		defer upsert.Close()

		del, err := tx.PrepareContext(ctx, `DELETE FROM labels WHERE item = ?`)
		if err != nil {
			return wrapSQLErr(err, "preparing label delete")
		}
		defer del.Close()

		for item, value := range items {
			if value == "" {
				if _, err := del.ExecContext(ctx, item); err != nil {
					return wrapSQLErr(err, "deleting label %s", item)
				}
				continue
			}
			if _, err := upsert.ExecContext(ctx, walletID, kind, item, value); err != nil {
				return wrapSQLErr(err, "upserting label %s", item)
			}
		}
		return nil
	})
}

// Labels paginates over labelled items, ordered by id, for BIP-329-style
// export (spec §4.2's (offset, limit) pagination).
func (s *Store) Labels(ctx context.Context, offset, limit int) ([]Label, error) {
	var out []Label
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT item_kind, item, value FROM labels ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
		if err != nil {
			return wrapSQLErr(err, "listing labels")
		}
		defer rows.Close()
		for rows.Next() {
			var l Label
			if err := rows.Scan(&l.Kind, &l.Item, &l.Value); err != nil {
				return wrapSQLErr(err, "scanning label")
			}
			out = append(out, l)
		}
		return wrapSQLErr(rows.Err(), "iterating labels")
	})
	return out, err
}
