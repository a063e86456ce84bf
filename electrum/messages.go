package electrum

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/lumenwallet/go-sdk/types"
)

// Messages delivered to the wallet state machine's mailbox. Requests
// to the server are fire-and-forget; every reply and every server
// notification comes back as one of these.

// ServerReady signals that the transport finished its handshake and
// the wallet may subscribe to the header tip.
type ServerReady struct{}

// Disconnected signals that the transport dropped. All outstanding
// requests are implicitly void.
type Disconnected struct{}

// TipNotification carries the server's current chain tip, both as the
// initial headers.subscribe reply and on every new block.
type TipNotification struct {
	Height int32
	Header wire.BlockHeader
}

// ScriptHashStatus carries the opaque history digest of a script
// hash. An empty status means the address was never used.
type ScriptHashStatus struct {
	ScriptHash string
	Status     string
}

// HeadersResponse is a run of raw headers answering a GetHeaders
// request.
type HeadersResponse struct {
	StartHeight int32
	Headers     []wire.BlockHeader
	Max         int
}

// HistoryResponse lists the confirmed and mempool transactions of one
// script hash.
type HistoryResponse struct {
	ScriptHash string
	Items      []types.TxHistoryItem
}

// TransactionResponse is a full transaction answering GetTransaction.
type TransactionResponse struct {
	Tx *wire.MsgTx
}

// MerkleResponse is the Merkle branch proving a transaction's
// inclusion at its block height.
type MerkleResponse struct {
	Proof types.MerkleProof
}

// BroadcastResponse reports the outcome of a transaction broadcast.
type BroadcastResponse struct {
	Txid string
	Err  error
}

// FeeEstimate is the server fee estimate converted to sat/kw.
type FeeEstimate struct {
	Target       int
	FeeRatePerKw int64
}
