package types

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	InMemoryStore = "inmemory"
	KVStore       = "kv"
	SQLStore      = "sql"
)

// Config holds everything the wallet core needs to run against one
// network and one Electrum endpoint. It is persisted through the
// ConfigStore so a restarted client comes back with the same settings.
type Config struct {
	Network               string
	ServerURL             string
	StoreType             string
	Datadir               string
	SwipeRange            int
	DustLimit             btcutil.Amount
	FeeRatePerKw          int64
	AllowSpendUnconfirmed bool

	// Lightning relay settings.
	CltvRejectThreshold  uint32
	TrampolineCltvDelta  uint32
	TrampolineBaseMsat   lnwire.MilliSatoshi
	TrampolinePpm        uint64
	TrampolineExponent   float64
	TrampolineLogExp     float64
	TrampolineMinForward lnwire.MilliSatoshi
}

type Outpoint struct {
	Txid string
	VOut uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.VOut)
}

// Utxo is an unspent output paying one of the wallet's script hashes.
// Height follows the Electrum convention: positive means confirmed at
// that block, 0 unconfirmed with confirmed parents, -1 unconfirmed
// with an unconfirmed parent.
type Utxo struct {
	Outpoint
	ScriptHash string
	Value      btcutil.Amount
	Height     int32
}

func (u Utxo) IsConfirmed() bool {
	return u.Height > 0
}

// TxHistoryItem is one entry of an Electrum script hash history.
type TxHistoryItem struct {
	Txid   string
	Height int32
}

// MerkleProof is the response to a blockchain.transaction.get_merkle
// request: the branch hashes from the txid up to the merkle root of
// the block at BlockHeight.
type MerkleProof struct {
	Txid        string
	BlockHeight int32
	Pos         uint32
	Merkle      []string
}

type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// PersistentData is the wallet snapshot written on every significant
// transition and read back on startup. Transactions and pending
// transactions are stored as raw hex.
type PersistentData struct {
	AccountKeysCount    int
	ChangeKeysCount     int
	Status              map[string]string
	Transactions        map[string]string
	Heights             map[string]int32
	History             map[string][]TxHistoryItem
	Proofs              map[string]MerkleProof
	PendingTransactions []string
}

func NewPersistentData() *PersistentData {
	return &PersistentData{
		Status:       make(map[string]string),
		Transactions: make(map[string]string),
		Heights:      make(map[string]int32),
		History:      make(map[string][]TxHistoryItem),
		Proofs:       make(map[string]MerkleProof),
	}
}

type WalletEvent interface {
	walletEvent()
}

// WalletReady is published on every transition to the running state
// whose balance, height or readiness differs from the last one sent.
type WalletReady struct {
	Confirmed    btcutil.Amount
	Unconfirmed  btcutil.Amount
	Height       int32
	Timestamp    int64
	ExcessStatus int
}

// TransactionReceived is published once for every transaction
// successfully connected to the wallet. A later confirmation or height
// change does not publish it again.
type TransactionReceived struct {
	Txid      string
	Depth     int32
	Received  btcutil.Amount
	Sent      btcutil.Amount
	Addresses []string
	// Fee is only known when every input of the transaction is ours.
	Fee      btcutil.Amount
	FeeKnown bool
	Stamp    time.Time
}

func (WalletReady) walletEvent()         {}
func (TransactionReceived) walletEvent() {}

type InvoiceStatus int

const (
	InvoicePending InvoiceStatus = iota
	InvoiceSucceeded
	InvoiceFailed
)

func (s InvoiceStatus) String() string {
	return map[InvoiceStatus]string{
		InvoicePending:   "PENDING",
		InvoiceSucceeded: "SUCCEEDED",
		InvoiceFailed:    "FAILED",
	}[s]
}

// Invoice is the local record of a payment request we issued.
type Invoice struct {
	Bolt11       string
	PaymentHash  lntypes.Hash
	AmountMsat   lnwire.MilliSatoshi
	Description  string
	Status       InvoiceStatus
	ReceivedMsat lnwire.MilliSatoshi
	CreatedAt    time.Time
}

// RelayedPreimageInfo records one successfully relayed trampoline
// payment together with what the relay earned on it.
type RelayedPreimageInfo struct {
	PaymentHash   lntypes.Hash
	PaymentSecret [32]byte
	Preimage      lntypes.Preimage
	RelayedMsat   lnwire.MilliSatoshi
	EarnedMsat    lnwire.MilliSatoshi
	CreatedAt     time.Time
}
