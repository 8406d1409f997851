// boltstore.go - bbolt-backed Store.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/haven-im/wamd/log"
)

const (
	metadataBucket = "metadata"
	credsBucket    = "device"

	versionKey = "version"
	credsKey   = "creds"

	storeVersion = 1
)

// BoltStore is a Store persisted in a single bbolt file. One bucket per
// namespace plus a device bucket for the credential blob.
type BoltStore struct {
	log *logging.Logger
	db  *bolt.DB
}

// OpenBolt creates or loads the store at path f.
func OpenBolt(f string, logBackend *log.Backend) (*BoltStore, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", f, err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(credsBucket)); err != nil {
			return err
		}
		for _, ns := range Namespaces() {
			if _, err = tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("store: incompatible version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		log: logBackend.GetLogger("store/bolt"),
		db:  db,
	}, nil
}

func (s *BoltStore) Get(namespace string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		return txGet(tx, namespace, ids, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Set(namespace string, values map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return txSet(tx, namespace, values)
	})
}

// Transaction runs fn inside one bbolt write transaction. A failure in
// the commit itself, as opposed to one returned by fn, is reported as a
// CommitError so callers can retry it.
func (s *BoltStore) Transaction(fn func(tx KeyStore) error) error {
	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		fnErr = fn(&boltTxStore{tx: tx})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return &CommitError{Err: err}
	}
	return err
}

func (s *BoltStore) SaveCreds(c *Creds) error {
	blob, err := cbor.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: encode creds: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(credsBucket)).Put([]byte(credsKey), blob)
	})
}

func (s *BoltStore) LoadCreds() (*Creds, error) {
	var blob []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(credsBucket)).Get([]byte(credsKey)); v != nil {
			blob = make([]byte, len(v))
			copy(blob, v)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	c := new(Creds)
	if err := cbor.Unmarshal(blob, c); err != nil {
		return nil, fmt.Errorf("store: decode creds: %w", err)
	}
	return c, nil
}

func (s *BoltStore) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// boltTxStore is the KeyStore view inside one write transaction. Its
// Transaction joins the enclosing one.
type boltTxStore struct {
	tx *bolt.Tx
}

func (t *boltTxStore) Get(namespace string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if err := txGet(t.tx, namespace, ids, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *boltTxStore) Set(namespace string, values map[string][]byte) error {
	return txSet(t.tx, namespace, values)
}

func (t *boltTxStore) Transaction(fn func(tx KeyStore) error) error {
	return fn(t)
}

func txGet(tx *bolt.Tx, namespace string, ids []string, out map[string][]byte) error {
	bkt := tx.Bucket([]byte(namespace))
	if bkt == nil {
		return fmt.Errorf("store: unknown namespace %q", namespace)
	}
	for _, id := range ids {
		if v := bkt.Get([]byte(id)); v != nil {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[id] = cp
		}
	}
	return nil
}

func txSet(tx *bolt.Tx, namespace string, values map[string][]byte) error {
	bkt := tx.Bucket([]byte(namespace))
	if bkt == nil {
		return fmt.Errorf("store: unknown namespace %q", namespace)
	}
	for id, v := range values {
		var err error
		if v == nil {
			err = bkt.Delete([]byte(id))
		} else {
			err = bkt.Put([]byte(id), v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
