// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package store persists session snapshots and permission grants in a
// bbolt database so a signer daemon can resume where it left off.
// Transport secrets are never written here.
package store

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/farsign/farsign/session"
)

const (
	// storeVersion is the version of the on disk format.
	storeVersion = 0

	metadataBucket = "metadata"
	versionKey     = "version"
	sessionsBucket = "sessions"
	aclBucket      = "acl"
)

// ErrNotFound is returned when a named record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a bbolt-backed persistence adapter.
type Store struct {
	db *bolt.DB
}

// Open creates or loads the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	st := &Store{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(sessionsBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(aclBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// SaveSession writes the snapshot under name, replacing any prior one.
func (st *Store) SaveSession(name string, snap session.Snapshot) error {
	if name == "" {
		return fmt.Errorf("store: empty session name")
	}
	blob, err := cbor.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("store: encode session: %v", err)
	}
	return st.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(name), blob)
	})
}

// LoadSession reads the snapshot stored under name.
func (st *Store) LoadSession(name string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := st.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(sessionsBucket)).Get([]byte(name))
		if blob == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(blob, &snap)
	})
	return snap, err
}

// DeleteSession removes the snapshot stored under name, if any.
func (st *Store) DeleteSession(name string) error {
	return st.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Delete([]byte(name))
	})
}

// SaveACL replaces the persisted grant table wholesale.
func (st *Store) SaveACL(grants map[string][]string) error {
	return st.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(aclBucket)); err != nil {
			return err
		}
		bkt, err := tx.CreateBucket([]byte(aclBucket))
		if err != nil {
			return err
		}
		for pk, methods := range grants {
			blob, err := cbor.Marshal(methods)
			if err != nil {
				return fmt.Errorf("store: encode grant: %v", err)
			}
			if err := bkt.Put([]byte(pk), blob); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadACL reads the persisted grant table.
func (st *Store) LoadACL() (map[string][]string, error) {
	grants := make(map[string][]string)
	err := st.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(aclBucket)).ForEach(func(k, v []byte) error {
			var methods []string
			if err := cbor.Unmarshal(v, &methods); err != nil {
				return fmt.Errorf("store: decode grant for %s: %v", k, err)
			}
			grants[string(k)] = methods
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// Close syncs and closes the database.
func (st *Store) Close() {
	st.db.Sync()
	st.db.Close()
}
