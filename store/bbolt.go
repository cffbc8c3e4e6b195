package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultBucket is used as a default bucket for bolt
var DefaultBucket = []byte("runs")

// BoltStore wraps all the bbolt storage logic
type BoltStore struct {
	Db *bolt.DB
}

// NewBoltStore inits a BoltStore struct
func NewBoltStore(path string) (*BoltStore, error) {
	// default timeout is set to 1 sec
	db, err := bolt.Open(path, 0660, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	// create a default bucket if not exists
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(DefaultBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		Db: db,
	}, nil
}

func bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(DefaultBucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %s does not exists", DefaultBucket)
	}
	return b, nil
}

// Put value associated to key in the datastore
func (bs *BoltStore) Put(key []byte, value []byte) error {
	return bs.Db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Get a value using its key
func (bs *BoltStore) Get(key []byte) ([]byte, error) {
	// bolt values are only valid inside the transaction
	var value []byte

	err := bs.Db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		v := b.Get(key)
		if v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Update reads and writes a value in the same bolt transaction
func (bs *BoltStore) Update(key []byte, fn func(old []byte) ([]byte, error)) error {
	return bs.Db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		var old []byte
		if v := b.Get(key); v != nil {
			old = make([]byte, len(v))
			copy(old, v)
		}
		value, err := fn(old)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Delete a value using its key
func (bs *BoltStore) Delete(key []byte) error {
	return bs.Db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// Length returns the number of keys
func (bs *BoltStore) Length() int {
	var l int
	bs.Db.View(func(tx *bolt.Tx) error {
		l = tx.Bucket(DefaultBucket).Stats().KeyN
		return nil
	})
	return l
}

// ForEach iterates over all keys, values are copied
func (bs *BoltStore) ForEach(fn func(k, v []byte) error) error {
	return bs.Db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			return fn(k, value)
		})
	})
}

// Close the bolt file
func (bs *BoltStore) Close() error {
	return bs.Db.Close()
}
