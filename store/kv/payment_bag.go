package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lumenwallet/go-sdk/types"
)

const paymentStoreDir = "payments"

type preimageRecord struct {
	Hash     string
	Preimage string
}

type invoiceRecord struct {
	Hash         string
	Bolt11       string
	AmountMsat   uint64
	Description  string
	Status       int
	ReceivedMsat uint64
	CreatedAt    time.Time
}

type searchRecord struct {
	Search string
	Hash   string
}

type relayRecord struct {
	Hash        string
	Secret      [32]byte
	Preimage    string
	RelayedMsat uint64
	EarnedMsat  uint64
	CreatedAt   time.Time
}

type paymentBag struct {
	db   *badgerhold.Store
	lock *sync.Mutex
}

func NewPaymentBag(dir string, logger badger.Logger) (types.PaymentBag, error) {
	if dir != "" {
		dir = filepath.Join(dir, paymentStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open payment store: %s", err)
	}
	return &paymentBag{db: badgerDb, lock: &sync.Mutex{}}, nil
}

func (s *paymentBag) SetPreimage(
	_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
) error {
	return s.db.Upsert(hash.String(), &preimageRecord{
		Hash:     hash.String(),
		Preimage: preimage.String(),
	})
}

func (s *paymentBag) GetPreimage(
	_ context.Context, hash lntypes.Hash,
) (lntypes.Preimage, error) {
	var record preimageRecord
	if err := s.db.Get(hash.String(), &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return lntypes.Preimage{}, types.ErrPreimageNotFound
		}
		return lntypes.Preimage{}, err
	}
	return lntypes.MakePreimageFromStr(record.Preimage)
}

func (s *paymentBag) AddInvoice(_ context.Context, invoice types.Invoice) error {
	record := invoiceToRecord(invoice)
	if err := s.db.Insert(invoice.PaymentHash.String(), &record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return nil
		}
		return err
	}
	return nil
}

func (s *paymentBag) GetInvoice(
	_ context.Context, hash lntypes.Hash,
) (*types.Invoice, error) {
	var record invoiceRecord
	if err := s.db.Get(hash.String(), &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, types.ErrInvoiceNotFound
		}
		return nil, err
	}
	invoice, err := recordToInvoice(record)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *paymentBag) UpdOkIncoming(
	_ context.Context, hash lntypes.Hash, received lnwire.MilliSatoshi,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var record invoiceRecord
	if err := s.db.Get(hash.String(), &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return types.ErrInvoiceNotFound
		}
		return err
	}
	record.Status = int(types.InvoiceSucceeded)
	record.ReceivedMsat = uint64(received)
	return s.db.Update(hash.String(), &record)
}

func (s *paymentBag) AddSearchablePayment(
	_ context.Context, search string, hash lntypes.Hash,
) error {
	return s.db.Upsert("search:"+hash.String(), &searchRecord{
		Search: search,
		Hash:   hash.String(),
	})
}

func (s *paymentBag) AddRelayedPreimageInfo(
	_ context.Context, info types.RelayedPreimageInfo,
) error {
	return s.db.Upsert("relay:"+info.PaymentHash.String(), &relayRecord{
		Hash:        info.PaymentHash.String(),
		Secret:      info.PaymentSecret,
		Preimage:    info.Preimage.String(),
		RelayedMsat: uint64(info.RelayedMsat),
		EarnedMsat:  uint64(info.EarnedMsat),
		CreatedAt:   info.CreatedAt,
	})
}

// FulfillIncoming writes the searchable index entry, the invoice
// success and the preimage inside one badger transaction: either the
// payment is fully recorded or not at all.
func (s *paymentBag) FulfillIncoming(
	_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
	received lnwire.MilliSatoshi, search string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Badger().Update(func(tx *badger.Txn) error {
		if err := s.db.TxUpsert(tx, "search:"+hash.String(), &searchRecord{
			Search: search,
			Hash:   hash.String(),
		}); err != nil {
			return err
		}

		var invoice invoiceRecord
		err := s.db.TxGet(tx, hash.String(), &invoice)
		switch {
		case errors.Is(err, badgerhold.ErrNotFound):
			// Fulfilling against a bare preimage, no invoice to mark.
		case err != nil:
			return err
		default:
			invoice.Status = int(types.InvoiceSucceeded)
			invoice.ReceivedMsat = uint64(received)
			if err := s.db.TxUpdate(tx, hash.String(), &invoice); err != nil {
				return err
			}
		}

		return s.db.TxUpsert(tx, hash.String(), &preimageRecord{
			Hash:     hash.String(),
			Preimage: preimage.String(),
		})
	})
}

func (s *paymentBag) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing payment db: %s", err)
	}
}

func invoiceToRecord(invoice types.Invoice) invoiceRecord {
	return invoiceRecord{
		Hash:         invoice.PaymentHash.String(),
		Bolt11:       invoice.Bolt11,
		AmountMsat:   uint64(invoice.AmountMsat),
		Description:  invoice.Description,
		Status:       int(invoice.Status),
		ReceivedMsat: uint64(invoice.ReceivedMsat),
		CreatedAt:    invoice.CreatedAt,
	}
}

func recordToInvoice(record invoiceRecord) (types.Invoice, error) {
	hash, err := lntypes.MakeHashFromStr(record.Hash)
	if err != nil {
		return types.Invoice{}, err
	}
	return types.Invoice{
		Bolt11:       record.Bolt11,
		PaymentHash:  hash,
		AmountMsat:   lnwire.MilliSatoshi(record.AmountMsat),
		Description:  record.Description,
		Status:       types.InvoiceStatus(record.Status),
		ReceivedMsat: lnwire.MilliSatoshi(record.ReceivedMsat),
		CreatedAt:    record.CreatedAt,
	}, nil
}
