package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
)

// Key layout: "q" + 8-byte big-endian sequence -> JSON Item, and
// "i" + correlation id -> sequence, so Remove can find an entry
// without scanning.
var (
	entryPrefix = []byte("q")
	indexPrefix = []byte("i")
)

// Journal is the durable record of accepted-but-undelivered imports.
// An IMPORT_DATA message is only ACKed after its request lands here,
// so an editor crash between ACK and import loses nothing.
type Journal struct {
	db *badger.DB

	mu  sync.Mutex
	seq uint64
}

// OpenJournal opens (or creates) the journal under dir.
func OpenJournal(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) loadSeq() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last entry key; the prefix byte keeps index
		// keys out of range.
		seek := append([]byte{}, entryPrefix...)
		seek = append(seek, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(entryPrefix); it.Next() {
			key := it.Item().Key()
			j.seq = binary.BigEndian.Uint64(key[len(entryPrefix):])
			return nil
		}
		return nil
	})
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}

func indexKey(id string) []byte {
	return append(append([]byte{}, indexPrefix...), id...)
}

// Append records an accepted request before it is acknowledged.
func (j *Journal) Append(id string, req importer.Request) error {
	j.mu.Lock()
	j.seq++
	seq := j.seq
	j.mu.Unlock()

	val, err := json.Marshal(Item{ID: id, Request: req})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(seq), val); err != nil {
			return err
		}
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], seq)
		return txn.Set(indexKey(id), seqBuf[:])
	})
}

// Remove deletes a delivered request. Unknown ids are not an error:
// the entry may have been removed by a previous run.
func (j *Journal) Remove(id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		var seq uint64
		if err := item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}

		if err := txn.Delete(entryKey(seq)); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
}

// Replay returns all undelivered entries in insertion order.
func (j *Journal) Replay() ([]Item, error) {
	var entries []Item

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			var entry Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close flushes and closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}
