/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd/zfsd/pkg/casefile"
)

func TestPutThenFindByPhysPath(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	key := casefile.Key{PoolGUID: 1, VdevGUID: 2}
	require.NoError(t, db.Put(key, "/dev/da0"))

	got, ok := db.FindByPhysPath("/dev/da0")
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestFindByPhysPathMiss(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, ok := db.FindByPhysPath("/dev/nope")
	assert.False(t, ok)
}

func TestDeleteRemovesEntry(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	key := casefile.Key{PoolGUID: 1, VdevGUID: 2}
	require.NoError(t, db.Put(key, "/dev/da0"))
	require.NoError(t, db.Delete(key))

	_, ok := db.FindByPhysPath("/dev/da0")
	assert.False(t, ok)
}

func TestNilDatabaseIsSafe(t *testing.T) {
	var db *Database
	assert.NoError(t, db.Close())
	assert.NoError(t, db.Put(casefile.Key{PoolGUID: 1, VdevGUID: 2}, "/dev/da0"))
	assert.NoError(t, db.Delete(casefile.Key{PoolGUID: 1, VdevGUID: 2}))
	_, ok := db.FindByPhysPath("/dev/da0")
	assert.False(t, ok)
}

func TestPutUpdatesExistingRecord(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	key := casefile.Key{PoolGUID: 1, VdevGUID: 2}
	require.NoError(t, db.Put(key, "/dev/da0"))
	require.NoError(t, db.Put(key, "/dev/da1"))

	_, ok := db.FindByPhysPath("/dev/da0")
	assert.False(t, ok)
	got, ok := db.FindByPhysPath("/dev/da1")
	require.True(t, ok)
	assert.Equal(t, key, got)
}
