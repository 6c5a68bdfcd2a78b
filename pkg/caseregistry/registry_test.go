/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package caseregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd/zfsd/pkg/casefile"
	"github.com/freebsd/zfsd/pkg/devctl"
	"github.com/freebsd/zfsd/pkg/poolview"
	"github.com/freebsd/zfsd/pkg/timerwheel"
)

func newTestRegistry(t *testing.T) (*Registry, *poolview.FakeView) {
	t.Helper()
	view := &poolview.FakeView{}
	deps := casefile.Deps{
		View:           view,
		Wheel:          timerwheel.New(nil),
		CaseDir:        t.TempDir(),
		GracePeriod:    60 * time.Second,
		DegradeIOCount: 50,
	}
	return New(deps, nil), view
}

func TestDispatchCreatesAndTracksCaseFile(t *testing.T) {
	reg, view := newTestRegistry(t)
	pool := &poolview.FakePool{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateDegraded}},
	}
	view.PoolsL = append(view.PoolsL, pool)

	ev, err := devctl.Parse("!class=ereport.fs.zfs.io pool_guid=1 vdev_guid=2 timestamp=1700000000\n")
	require.NoError(t, err)

	consumed := reg.Dispatch(view, ev)
	assert.True(t, consumed)

	_, ok := reg.Find(casefile.Key{PoolGUID: 1, VdevGUID: 2})
	assert.True(t, ok)
}

func TestDispatchIgnoresHealthyVdevWithNoExistingCase(t *testing.T) {
	reg, view := newTestRegistry(t)
	pool := &poolview.FakePool{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateHealthy}},
	}
	view.PoolsL = append(view.PoolsL, pool)

	ev, err := devctl.Parse("!class=ereport.fs.zfs.io pool_guid=1 vdev_guid=2 timestamp=1\n")
	require.NoError(t, err)

	consumed := reg.Dispatch(view, ev)
	assert.False(t, consumed)
	_, ok := reg.Find(casefile.Key{PoolGUID: 1, VdevGUID: 2})
	assert.False(t, ok)
}

func TestDispatchUnknownIdentityNotConsumed(t *testing.T) {
	reg, view := newTestRegistry(t)
	ev, err := devctl.Parse("!class=ereport.fs.zfs.io pool_guid=9 vdev_guid=9 timestamp=1\n")
	require.NoError(t, err)
	assert.False(t, reg.Dispatch(view, ev))
}

func TestPurgeAllClosesAndEvicts(t *testing.T) {
	reg, view := newTestRegistry(t)
	pool := &poolview.FakePool{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateDegraded}},
	}
	view.PoolsL = append(view.PoolsL, pool)
	reg.CreateIfMissing(1, pool.VdevsL[0])

	reg.PurgeAll()

	_, ok := reg.Find(casefile.Key{PoolGUID: 1, VdevGUID: 2})
	assert.False(t, ok)
}

func TestLoadFromDiskSkipsUnrelatedFiles(t *testing.T) {
	reg, view := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(reg.deps.CaseDir, "README"), []byte("x"), 0o644))

	err := reg.LoadFromDisk(view, devctl.Parse)
	require.NoError(t, err)
}

func TestLoadFromDiskUnlinksWhenPoolGone(t *testing.T) {
	reg, view := newTestRegistry(t)
	key := casefile.Key{PoolGUID: 5, VdevGUID: 6}
	path := filepath.Join(reg.deps.CaseDir, key.FileName())
	require.NoError(t, os.WriteFile(path, []byte("!class=ereport.fs.zfs.io pool_guid=5 vdev_guid=6 timestamp=1\n"), 0o644))

	require.NoError(t, reg.LoadFromDisk(view, devctl.Parse))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, ok := reg.Find(key)
	assert.False(t, ok)
}

func TestLoadFromDiskReplaysEventsForLiveVdev(t *testing.T) {
	reg, view := newTestRegistry(t)
	pool := &poolview.FakePool{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateDegraded}},
	}
	view.PoolsL = append(view.PoolsL, pool)

	key := casefile.Key{PoolGUID: 1, VdevGUID: 2}
	path := filepath.Join(reg.deps.CaseDir, key.FileName())
	content := "!class=ereport.fs.zfs.io pool_guid=1 vdev_guid=2 timestamp=1\n" +
		"tentative !class=ereport.fs.zfs.io pool_guid=1 vdev_guid=2 timestamp=2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, reg.LoadFromDisk(view, devctl.Parse))

	cf, ok := reg.Find(key)
	require.True(t, ok)
	assert.Len(t, cf.Events(), 1)
	assert.Len(t, cf.TentativeEvents(), 1)
}
