package db

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/ledgerops/go-unstake-scheduler/domain"
	"github.com/pkg/errors"
)

const queuePrefix byte = 0x00
const headKey byte = 0x01
const epochsPerTickKey byte = 0x02

// PebbleStore persists the scheduler state: queued accounts, the in-flight
// request and the verification rate.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(storeDir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "unstake-scheduler-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (ps *PebbleStore) SetQueued(account string, poolID *uint32) error {
	value := []byte{0}
	if poolID != nil {
		value = binary.BigEndian.AppendUint32([]byte{1}, *poolID)
	}
	err := ps.db.Set(queueKey(account), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "storing queue entry for account [%s]", account)
	}
	return nil
}

func (ps *PebbleStore) RemoveQueued(account string) error {
	err := ps.db.Delete(queueKey(account), pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "deleting queue entry for account [%s]", account)
	}
	return nil
}

func (ps *PebbleStore) GetQueue() ([]domain.QueueEntry, error) {
	iter, err := ps.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{queuePrefix},
		UpperBound: []byte{queuePrefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating queue iterator")
	}
	defer iter.Close()

	var entries []domain.QueueEntry
	for iter.First(); iter.Valid(); iter.Next() {
		account := string(iter.Key()[1:])
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrapf(err, "reading queue entry for account [%s]", account)
		}
		entry := domain.QueueEntry{Account: account}
		if len(value) == 5 && value[0] == 1 {
			poolID := binary.BigEndian.Uint32(value[1:])
			entry.PoolID = &poolID
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (ps *PebbleStore) SetHead(request *domain.UnstakeRequest) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(request); err != nil {
		return errors.Wrap(err, "encoding head")
	}
	err := ps.db.Set([]byte{headKey}, buf.Bytes(), pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "storing head")
	}
	return nil
}

func (ps *PebbleStore) ClearHead() error {
	err := ps.db.Delete([]byte{headKey}, pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "deleting head")
	}
	return nil
}

func (ps *PebbleStore) GetHead() (*domain.UnstakeRequest, error) {
	value, closer, err := ps.db.Get([]byte{headKey})
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, domain.ErrStoreEntityNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting head")
	}
	defer closer.Close()

	var request domain.UnstakeRequest
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&request); err != nil {
		return nil, errors.Wrap(err, "decoding head")
	}
	return &request, nil
}

func (ps *PebbleStore) SetEpochsPerTick(rate uint32) error {
	var value []byte
	value = binary.BigEndian.AppendUint32(value, rate)
	err := ps.db.Set([]byte{epochsPerTickKey}, value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting epochs per tick to [%d]", rate)
	}
	return nil
}

func (ps *PebbleStore) GetEpochsPerTick() (uint32, error) {
	value, closer, err := ps.db.Get([]byte{epochsPerTickKey})
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, domain.ErrStoreEntityNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "getting epochs per tick")
	}
	defer closer.Close()
	return binary.BigEndian.Uint32(value), nil
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}

func queueKey(account string) []byte {
	return append([]byte{queuePrefix}, account...)
}
