// Package boltstore is the embedded-library engine: a thin delegate over a
// bbolt database kept in the store directory.
package boltstore

import (
	"bytes"
	"os"
	"path/filepath"

	"kvs/storage"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	FileName = "kvs.db"
)

var bucketName = []byte("kvs")

type Store struct {
	logger log.Logger
	db     *bolt.DB
}

var _ storage.Engine = (*Store)(nil)

func Open(logger log.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	path := filepath.Join(dir, FileName)

	db, err := bolt.Open(path, 0o644, bolt.DefaultOptions)

	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})

	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}

	level.Info(logger).Log("msg", "bolt store opened", "path", path)

	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Set(key, value string) error {
	if err := storage.SetRecord(key, value).Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
}

func (s *Store) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		// The slice is only valid inside the transaction.
		if v, ok := lookup(tx.Bucket(bucketName), []byte(key)); ok {
			value, found = string(v), true
		}
		return nil
	})

	return value, found, err
}

func (s *Store) Remove(key string) error {
	if err := storage.ValidateString("key", key); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		if _, ok := lookup(b, []byte(key)); !ok {
			return storage.ErrKeyNotFound
		}

		return b.Delete([]byte(key))
	})
}

// lookup tells an absent key apart from a key holding an empty value, which
// Bucket.Get cannot do.
func lookup(b *bolt.Bucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)

	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}

	return v, true
}

func (s *Store) Close() error {
	return s.db.Close()
}
