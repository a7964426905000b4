package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var idsBucket = []byte("ids")

// openIndexDB opens (creating if necessary) the bbolt-backed index
// snapshot at path and ensures the ids bucket exists.
func openIndexDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open index %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init index %s: %w", path, err)
	}
	return db, nil
}

// loadIndex reads the full id -> offset mapping out of the index
// snapshot.
func loadIndex(db *bbolt.DB) (map[string]int64, error) {
	index := make(map[string]int64)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(idsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			index[string(k)] = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: load index: %w", err)
	}
	return index, nil
}

// saveIndex atomically replaces the on-disk snapshot with the full
// contents of index; the bbolt transaction commit is the atomic replace
// for index.bin.
func saveIndex(db *bbolt.DB, index map[string]int64) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(idsBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(idsBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		for id, off := range index {
			binary.BigEndian.PutUint64(buf[:], uint64(off))
			if err := b.Put([]byte(id), buf[:]); err != nil {
				return err
			}
		}
		return nil
	})
}
