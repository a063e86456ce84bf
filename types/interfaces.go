package types

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	ErrHeaderNotFound   = errors.New("header not found")
	ErrPreimageNotFound = errors.New("preimage not found")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrNoPersistentData = errors.New("no persistent data")
)

type Store interface {
	ConfigStore() ConfigStore
	WalletDb() WalletDb
	PaymentBag() PaymentBag
	Clean(ctx context.Context)
	Close()
}

type ConfigStore interface {
	GetType() string
	GetDatadir() string
	AddData(ctx context.Context, data Config) error
	GetData(ctx context.Context) (*Config, error)
	CleanData(ctx context.Context) error
	Close()
}

// WalletDb persists validated header chunks indexed by their start
// height, plus the wallet snapshot. Header persistence must complete
// before the caller advances its logical tip.
type WalletDb interface {
	AddHeaders(ctx context.Context, startHeight int32, headers []wire.BlockHeader) error
	GetHeaders(ctx context.Context, startHeight int32, maxCount int) ([]wire.BlockHeader, error)
	GetHeader(ctx context.Context, height int32) (*wire.BlockHeader, error)
	ReadPersistentData(ctx context.Context) (*PersistentData, error)
	Persist(ctx context.Context, data PersistentData) error
	Close()
}

// PaymentBag is the payment-side storage: preimages, invoices, the
// searchable payment index and relay earnings. UpdOkIncoming,
// AddSearchablePayment and SetPreimage are expected to be issued
// together by the receiver inside one storage transaction, which is
// what FulfillIncoming provides.
type PaymentBag interface {
	SetPreimage(ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage) error
	GetPreimage(ctx context.Context, hash lntypes.Hash) (lntypes.Preimage, error)

	AddInvoice(ctx context.Context, invoice Invoice) error
	GetInvoice(ctx context.Context, hash lntypes.Hash) (*Invoice, error)
	UpdOkIncoming(ctx context.Context, hash lntypes.Hash, received lnwire.MilliSatoshi) error

	AddSearchablePayment(ctx context.Context, search string, hash lntypes.Hash) error
	AddRelayedPreimageInfo(ctx context.Context, info RelayedPreimageInfo) error

	// FulfillIncoming runs the success bookkeeping of a received
	// payment atomically: searchable index, invoice status and
	// preimage in a single storage transaction.
	FulfillIncoming(
		ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
		received lnwire.MilliSatoshi, search string,
	) error

	Close()
}
