package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lumenwallet/go-sdk/chain"
	"github.com/lumenwallet/go-sdk/types"
)

const (
	walletStoreDir = "wallet"

	snapshotKey = "snapshot"
)

// headerChunkRecord is one sealed run of headers, keyed by its start
// height and stored as the raw concatenated 80-byte serializations.
type headerChunkRecord struct {
	StartHeight int32
	Raw         []byte
}

// snapshotRecord wraps the wallet snapshot under its fixed key.
type snapshotRecord struct {
	Data types.PersistentData
}

type walletDb struct {
	db   *badgerhold.Store
	lock *sync.Mutex
}

func NewWalletDb(dir string, logger badger.Logger) (types.WalletDb, error) {
	if dir != "" {
		dir = filepath.Join(dir, walletStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet store: %s", err)
	}
	return &walletDb{db: badgerDb, lock: &sync.Mutex{}}, nil
}

func (s *walletDb) AddHeaders(
	_ context.Context, startHeight int32, headers []wire.BlockHeader,
) error {
	var buf bytes.Buffer
	for i := range headers {
		if err := headers[i].Serialize(&buf); err != nil {
			return err
		}
	}
	record := headerChunkRecord{StartHeight: startHeight, Raw: buf.Bytes()}
	return s.db.Upsert(startHeight, &record)
}

func (s *walletDb) GetHeaders(
	_ context.Context, startHeight int32, maxCount int,
) ([]wire.BlockHeader, error) {
	var record headerChunkRecord
	if err := s.db.Get(startHeight, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	headers, err := decodeHeaders(record.Raw)
	if err != nil {
		return nil, err
	}
	if maxCount > 0 && len(headers) > maxCount {
		headers = headers[:maxCount]
	}
	return headers, nil
}

func (s *walletDb) GetHeader(_ context.Context, height int32) (*wire.BlockHeader, error) {
	chunkStart := height - height%chain.RetargetWindow

	var record headerChunkRecord
	if err := s.db.Get(chunkStart, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, types.ErrHeaderNotFound
		}
		return nil, err
	}
	headers, err := decodeHeaders(record.Raw)
	if err != nil {
		return nil, err
	}
	idx := int(height - chunkStart)
	if idx >= len(headers) {
		return nil, types.ErrHeaderNotFound
	}
	return &headers[idx], nil
}

func (s *walletDb) ReadPersistentData(_ context.Context) (*types.PersistentData, error) {
	var record snapshotRecord
	if err := s.db.Get(snapshotKey, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, types.ErrNoPersistentData
		}
		return nil, err
	}
	return &record.Data, nil
}

func (s *walletDb) Persist(_ context.Context, data types.PersistentData) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.db.Upsert(snapshotKey, &snapshotRecord{Data: data})
}

func (s *walletDb) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing wallet db: %s", err)
	}
}

func decodeHeaders(raw []byte) ([]wire.BlockHeader, error) {
	if len(raw)%wire.MaxBlockHeaderPayload != 0 {
		return nil, fmt.Errorf("corrupt header chunk of %d bytes", len(raw))
	}
	headers := make([]wire.BlockHeader, len(raw)/wire.MaxBlockHeaderPayload)
	reader := bytes.NewReader(raw)
	for i := range headers {
		if err := headers[i].Deserialize(reader); err != nil {
			return nil, err
		}
	}
	return headers, nil
}
