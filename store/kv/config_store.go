package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lumenwallet/go-sdk/types"
)

const (
	configStoreDir = "config"

	configKey = "config"
)

type configRecord struct {
	Data types.Config
}

type configStore struct {
	db      *badgerhold.Store
	datadir string
}

func NewConfigStore(dir string, logger badger.Logger) (types.ConfigStore, error) {
	datadir := dir
	if dir != "" {
		dir = filepath.Join(dir, configStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open config store: %s", err)
	}
	return &configStore{db: badgerDb, datadir: datadir}, nil
}

func (s *configStore) GetType() string {
	return types.KVStore
}

func (s *configStore) GetDatadir() string {
	return s.datadir
}

func (s *configStore) AddData(_ context.Context, data types.Config) error {
	return s.db.Upsert(configKey, &configRecord{Data: data})
}

func (s *configStore) GetData(_ context.Context) (*types.Config, error) {
	var record configRecord
	if err := s.db.Get(configKey, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record.Data, nil
}

func (s *configStore) CleanData(_ context.Context) error {
	if err := s.db.Delete(configKey, &configRecord{}); err != nil &&
		!errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	return nil
}

func (s *configStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing config db: %s", err)
	}
}
