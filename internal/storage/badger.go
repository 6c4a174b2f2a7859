package storage

import (
	"Flownix/internal/config"
	"Flownix/internal/factory"
	"Flownix/internal/model"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterStore("badger", func(cfg config.StorageConfig, withSender bool, log logrus.FieldLogger) (model.Store, error) {
		return OpenBadger(cfg, withSender, log)
	})
}

// valueSize is total_length (8 bytes) followed by last_updated in unix seconds (8 bytes).
const valueSize = 16

// BadgerStore keeps the traffic and dns tables in an embedded badger database.
// Rows live under "<table>\x00<json array of key columns>".
type BadgerStore struct {
	db         *badger.DB
	table      []byte
	dnsTable   []byte
	withSender bool
	txn        *badger.Txn
	log        logrus.FieldLogger
}

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg config.StorageConfig, withSender bool, log logrus.FieldLogger) (*BadgerStore, error) {
	log = log.WithField("component", "badger")

	opts := badger.DefaultOptions(cfg.Badger.Path)
	if cfg.Badger.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.Badger.SyncWrites).WithLogger(badgerLogger{log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at '%s': %w", cfg.Badger.Path, err)
	}
	return &BadgerStore{
		db:         db,
		table:      append([]byte(cfg.Table), 0),
		dnsTable:   append([]byte(cfg.DNSTable), 0),
		withSender: withSender,
		log:        log,
	}, nil
}

// badgerLogger routes badger's chatty info output to debug.
type badgerLogger struct {
	log logrus.FieldLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf(f, v...) }

func (s *BadgerStore) rowKey(sender *model.Sender, key model.FlowKey) ([]byte, error) {
	cols, err := rowColumns(s.withSender, sender, key)
	if err != nil {
		return nil, err
	}
	enc, err := json.Marshal(cols)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, s.table...), enc...), nil
}

// Upsert implements model.TrafficStore.
func (s *BadgerStore) Upsert(ctx context.Context, sender *model.Sender, key model.FlowKey, bytes uint64, at time.Time) error {
	k, err := s.rowKey(sender, key)
	if err != nil {
		return err
	}
	if s.txn == nil {
		s.txn = s.db.NewTransaction(true)
	}

	err = s.add(k, bytes, at)
	if errors.Is(err, badger.ErrTxnTooBig) {
		s.log.Debug("Transaction full, committing early")
		if err := s.Commit(ctx); err != nil {
			return err
		}
		s.txn = s.db.NewTransaction(true)
		err = s.add(k, bytes, at)
	}
	return err
}

func (s *BadgerStore) add(k []byte, bytes uint64, at time.Time) error {
	var total uint64
	item, err := s.txn.Get(k)
	switch {
	case err == nil:
		v, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read row: %w", err)
		}
		total, _, err = decodeValue(v)
		if err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("failed to look up row: %w", err)
	}
	return s.txn.Set(k, encodeValue(total+bytes, at))
}

// Commit implements model.TrafficStore.
func (s *BadgerStore) Commit(ctx context.Context) error {
	if s.txn == nil {
		return nil
	}
	txn := s.txn
	s.txn = nil
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Records implements model.TrafficStore.
func (s *BadgerStore) Records(ctx context.Context) ([]model.TrafficRecord, error) {
	var out []model.TrafficRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(s.table); it.ValidForPrefix(s.table); it.Next() {
			item := it.Item()
			var cols []string
			if err := json.Unmarshal(item.Key()[len(s.table):], &cols); err != nil {
				return fmt.Errorf("corrupt row key: %w", err)
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			total, updated, err := decodeValue(v)
			if err != nil {
				return err
			}
			rec, err := recordFromColumns(s.withSender, cols)
			if err != nil {
				return err
			}
			rec.TotalLength = total
			rec.LastUpdated = updated
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// LoadDNS implements model.DNSTable.
func (s *BadgerStore) LoadDNS(ctx context.Context) (map[string]string, error) {
	entries := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(s.dnsTable); it.ValidForPrefix(s.dnsTable); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries[string(item.Key()[len(s.dnsTable):])] = string(v)
		}
		return nil
	})
	return entries, err
}

// SaveDNS implements model.DNSTable. Existing addresses are overwritten.
func (s *BadgerStore) SaveDNS(ctx context.Context, entries map[string]string) error {
	wb := s.db.NewWriteBatch()
	for ip, domain := range entries {
		k := append(append([]byte{}, s.dnsTable...), ip...)
		if err := wb.Set(k, []byte(domain)); err != nil {
			wb.Cancel()
			return fmt.Errorf("failed to stage dns entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to write dns table: %w", err)
	}
	return nil
}

// Close discards any uncommitted writes and closes the database.
func (s *BadgerStore) Close() error {
	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}
	return s.db.Close()
}

func encodeValue(total uint64, at time.Time) []byte {
	v := make([]byte, valueSize)
	binary.BigEndian.PutUint64(v[:8], total)
	binary.BigEndian.PutUint64(v[8:], uint64(at.Unix()))
	return v
}

func decodeValue(v []byte) (uint64, time.Time, error) {
	if len(v) != valueSize {
		return 0, time.Time{}, fmt.Errorf("corrupt row value of %d bytes", len(v))
	}
	total := binary.BigEndian.Uint64(v[:8])
	updated := time.Unix(int64(binary.BigEndian.Uint64(v[8:])), 0)
	return total, updated, nil
}
