package storage

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltBucket is the single bucket a BoltDB-backed Database writes into.
var boltBucket = []byte("ledger")

// BoltDB is a persistent key-value store backed by a single-file bbolt
// database. It suits low-churn sidecar state such as stream checkpoints;
// nodes run on LevelDB.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates or opens a bbolt database at the specified path. The
// open call times out instead of blocking forever on a held file lock.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (bdb *BoltDB) Put(key []byte, value []byte) error {
	return bdb.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

// Get retrieves a value for a given key. The returned slice is a copy; bolt
// pages are only valid inside the transaction that read them.
func (bdb *BoltDB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := bdb.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get(key)
		if raw == nil {
			return ErrKeyNotFound
		}
		value = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Has reports whether the key exists without fetching its value.
func (bdb *BoltDB) Has(key []byte) (bool, error) {
	var ok bool
	err := bdb.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(boltBucket).Get(key) != nil
		return nil
	})
	return ok, err
}

// Delete removes a key. Deleting a missing key is not an error.
func (bdb *BoltDB) Delete(key []byte) error {
	return bdb.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

func (bdb *BoltDB) NewBatch() Batch {
	return &boltBatch{db: bdb.db}
}

// Close closes the database file.
func (bdb *BoltDB) Close() {
	bdb.db.Close()
}

type boltOp struct {
	del   bool
	key   []byte
	value []byte
}

type boltBatch struct {
	db  *bolt.DB
	ops []boltOp
}

func (b *boltBatch) Put(key []byte, value []byte) error {
	b.ops = append(b.ops, boltOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (b *boltBatch) Delete(key []byte) error {
	b.ops = append(b.ops, boltOp{del: true, key: append([]byte(nil), key...)})
	return nil
}

// Write applies the staged mutations inside one bolt transaction.
func (b *boltBatch) Write() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range b.ops {
			if op.del {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBatch) Reset() {
	b.ops = b.ops[:0]
}
