// Package bitcoind defines and implements the external collaborator the
// rest of the daemon talks to for chain state and broadcast: bitcoind's
// JSON-RPC surface, reached with a reconnect-and-retry loop: a call that
// fails on a broken connection is retried at once on a fresh HTTP client,
// with no delay between attempts.
package bitcoind

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MempoolEntry is the subset of bitcoind's getmempoolentry response the
// spend builder and RBF logic need (spec §6).
type MempoolEntry struct {
	AncestorVsize  int64
	AncestorFee    int64
	DescendantFee  int64
	BaseFee        int64
	Vsize          int64
}

// Interface is the collaborator boundary every bitcoind-facing component in
// this daemon is written against (spec §6's BitcoindInterface). Production
// code talks to it through the *Client in client.go; tests supply a fake.
type Interface interface {
	// ChainTip returns the current best block height and hash.
	ChainTip(ctx context.Context) (height int32, hash chainhash.Hash, err error)
	// TipTime returns the current tip's block time, or ok=false if unknown.
	TipTime(ctx context.Context) (t uint32, ok bool, err error)
	// MempoolEntry looks up a transaction's mempool fee/size data, or
	// ok=false if it isn't in the mempool.
	MempoolEntry(ctx context.Context, txid chainhash.Hash) (entry MempoolEntry, ok bool, err error)
	// MempoolSpenders returns the mempool entries of every transaction
	// that directly spends any of outpoints; descendants of those spenders
	// are not listed, their fees are only reflected in each entry's
	// DescendantFee.
	MempoolSpenders(ctx context.Context, outpoints []wire.OutPoint) ([]MempoolEntry, error)
	// BroadcastTx submits tx to the network.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error
	// StartRescan asks bitcoind to rescan its block filters for desc from
	// timestamp onward.
	StartRescan(ctx context.Context, desc string, timestamp uint32) error
	// RescanProgress returns the fraction complete of an in-progress
	// rescan, or ok=false if none is running.
	RescanProgress(ctx context.Context) (progress float64, ok bool, err error)
	// GenesisBlockTimestamp returns the configured network's genesis
	// block time, used to validate rescan timestamps.
	GenesisBlockTimestamp(ctx context.Context) (uint32, error)
}
