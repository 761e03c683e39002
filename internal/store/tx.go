package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Tx is a record-level view of a badger transaction
type Tx struct {
	txn *badger.Txn
}

// Get decodes the record under key into v
func (tx *Tx) Get(key string, v interface{}) error {
	item, err := tx.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(raw []byte) error {
		if err := codec.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

// Exists reports whether key holds a record
func (tx *Tx) Exists(key string) (bool, error) {
	_, err := tx.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

// Create stores v under key unless the key already holds a record
func (tx *Tx) Create(key string, v interface{}) error {
	exists, err := tx.Exists(key)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}
	return tx.Put(key, v)
}

// Put stores v under key
func (tx *Tx) Put(key string, v interface{}) error {
	raw, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := tx.txn.Set([]byte(key), raw); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes the record under key
func (tx *Tx) Delete(key string) error {
	if err := tx.txn.Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List calls fn for every record whose key starts with prefix
func (tx *Tx) List(prefix string, fn func(key string, decode func(v interface{}) error) error) error {
	it := tx.txn.NewIterator(badger.IteratorOptions{
		PrefetchValues: true,
		PrefetchSize:   64,
		Prefix:         []byte(prefix),
	})
	defer it.Close()

	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		key := string(item.KeyCopy(nil))
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		decode := func(v interface{}) error {
			return codec.Unmarshal(raw, v)
		}
		if err := fn(key, decode); err != nil {
			return err
		}
	}
	return nil
}
