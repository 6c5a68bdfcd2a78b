/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package store is an optional bbolt-backed index of which Case File
// identities exist and what physical path each was last seen at. It
// is layered above the mandatory flat-file `.case` format spec §4.6
// requires; the flat files remain the sole authoritative record, so a
// missing or deleted database simply repopulates itself as
// Registry.LoadFromDisk re-Puts every case it reads off disk. Its only
// purpose is to give Registry.FindByPhysPath a lookup to try before its
// scan of every live case; the lookup itself walks every record in the
// index bucket.
//
// Grounded on the teacher's pkg/store/database.go bucket-helper
// pattern (putObject/getObject/updateObject over a single
// CreateBucketIfNotExists root), generalized from daemon/instance
// records to a single phys-path index bucket.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/freebsd/zfsd/pkg/casefile"
	"github.com/freebsd/zfsd/pkg/devctl"
)

const databaseFileName = "zfsd-index.db"

var physPathBucket = []byte("phys_path_index")

// record is the value stored per Case File identity.
type record struct {
	PoolGUID uint64 `json:"pool_guid"`
	VdevGUID uint64 `json:"vdev_guid"`
	PhysPath string `json:"phys_path"`
}

// Database is the optional index. A nil *Database is valid and makes
// every method a no-op, so callers can run with indexing disabled
// (e.g. CaseDir on a read-only filesystem) without special-casing.
type Database struct {
	db *bolt.DB
}

// Open creates or opens the index file under dir. A failure here is
// never fatal to the daemon: callers should log and continue with a
// nil *Database, falling back to Registry's in-memory scan.
func Open(dir string) (*Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create index directory %s", dir)
	}

	db, err := bolt.Open(filepath.Join(dir, databaseFileName), 0o600, &bolt.Options{Timeout: 4 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open case index")
	}

	d := &Database{db: db}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(physPathBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize case index")
	}
	return d, nil
}

// Close releases the database handle.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	return errors.Wrap(d.db.Close(), "close case index")
}

// Put records or updates the physical path last observed for a Case
// File identity.
func (d *Database) Put(key casefile.Key, physPath string) error {
	if d == nil {
		return nil
	}
	rec := record{PoolGUID: uint64(key.PoolGUID), VdevGUID: uint64(key.VdevGUID), PhysPath: physPath}
	return d.db.Update(func(tx *bolt.Tx) error {
		return putOrUpdate(tx.Bucket(physPathBucket), key.String(), rec)
	})
}

// Delete removes a Case File identity from the index, called once its
// Case File closes.
func (d *Database) Delete(key casefile.Key) error {
	if d == nil {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(physPathBucket).Delete([]byte(key.String()))
	})
}

// FindByPhysPath returns the Case File identity last recorded at
// physPath, if any.
func (d *Database) FindByPhysPath(physPath string) (casefile.Key, bool) {
	if d == nil {
		return casefile.Key{}, false
	}
	var found casefile.Key
	ok := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(physPathBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.PhysPath == physPath {
				found = casefile.Key{PoolGUID: devctl.GUID(rec.PoolGUID), VdevGUID: devctl.GUID(rec.VdevGUID)}
				ok = true
			}
			return nil
		})
	})
	return found, ok
}

func putOrUpdate(bucket *bolt.Bucket, key string, obj interface{}) error {
	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshal key %s", key)
	}
	if err := bucket.Put([]byte(key), value); err != nil {
		return errors.Wrapf(err, "put key %s", key)
	}
	return nil
}
