package store

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lianahq/lianad/internal/errs"
)

// decodeTx parses a raw transaction, used anywhere the full wire.MsgTx (not
// just its summary columns) is needed.
func decodeTx(raw []byte) (*wire.MsgTx, error) {
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "decoding transaction")
	}
	return &msgTx, nil
}

// decodeTxSummary extracts the cache columns (num_inputs, num_outputs,
// is_coinbase) from a raw transaction, the same summary transactions.go
// stores alongside the full bytes so coin queries never need to decode the
// whole transaction just to join against it.
func decodeTxSummary(raw []byte) (numIn, numOut int, isCoinbase bool, err error) {
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return 0, 0, false, errs.Wrap(errs.KindCrypto, err, "decoding transaction")
	}
	return len(msgTx.TxIn), len(msgTx.TxOut), blockchainIsCoinBase(&msgTx), nil
}

// blockchainIsCoinBase mirrors btcd/blockchain.IsCoinBaseTx without pulling
// in the full blockchain package: a coinbase has exactly one input whose
// outpoint index is the max uint32 and whose hash is all zero.
func blockchainIsCoinBase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prevOut := &tx.TxIn[0].PreviousOutPoint
	return prevOut.Index == ^uint32(0) && prevOut.Hash == chainhash.Hash{}
}

// chainhashFromBytes decodes a stored txid column, wrapping any length
// error as a persistence failure (corrupt row) rather than a crypto one.
func chainhashFromBytes(raw []byte) (chainhash.Hash, error) {
	h, err := chainhash.NewHash(raw)
	if err != nil {
		return chainhash.Hash{}, errs.Wrap(errs.KindPersistence, err, "decoding stored txid")
	}
	return *h, nil
}
