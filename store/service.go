package store

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	kvstore "github.com/lumenwallet/go-sdk/store/kv"
	sqlstore "github.com/lumenwallet/go-sdk/store/sql"
	"github.com/lumenwallet/go-sdk/types"
)

type Config struct {
	// PaymentStoreType selects where the payment bag lives, KVStore or
	// SQLStore. The wallet snapshot and headers always use the kv
	// backend.
	PaymentStoreType string
	BaseDir          string
}

type service struct {
	configStore types.ConfigStore
	walletDb    types.WalletDb
	paymentBag  types.PaymentBag
}

func NewStore(cfg Config) (types.Store, error) {
	configStore, err := kvstore.NewConfigStore(cfg.BaseDir, nil)
	if err != nil {
		return nil, err
	}
	walletDb, err := kvstore.NewWalletDb(cfg.BaseDir, nil)
	if err != nil {
		return nil, err
	}

	var paymentBag types.PaymentBag
	switch cfg.PaymentStoreType {
	case types.SQLStore:
		paymentBag, err = sqlstore.NewPaymentBag(cfg.BaseDir)
	case types.KVStore, types.InMemoryStore, "":
		dir := cfg.BaseDir
		if cfg.PaymentStoreType == types.InMemoryStore {
			dir = ""
		}
		paymentBag, err = kvstore.NewPaymentBag(dir, nil)
	default:
		err = fmt.Errorf("unknown payment store type %s", cfg.PaymentStoreType)
	}
	if err != nil {
		return nil, err
	}

	return &service{
		configStore: configStore,
		walletDb:    walletDb,
		paymentBag:  paymentBag,
	}, nil
}

func (s *service) ConfigStore() types.ConfigStore {
	return s.configStore
}

func (s *service) WalletDb() types.WalletDb {
	return s.walletDb
}

func (s *service) PaymentBag() types.PaymentBag {
	return s.paymentBag
}

func (s *service) Clean(ctx context.Context) {
	if err := s.configStore.CleanData(ctx); err != nil {
		log.WithError(err).Warn("store: failed to clean config data")
	}
}

func (s *service) Close() {
	s.configStore.Close()
	s.walletDb.Close()
	s.paymentBag.Close()
}
