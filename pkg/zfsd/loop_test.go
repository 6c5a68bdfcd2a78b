/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package zfsd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd/zfsd/pkg/casefile"
	"github.com/freebsd/zfsd/pkg/devctl"
	"github.com/freebsd/zfsd/pkg/poolview"
	"github.com/freebsd/zfsd/pkg/timerwheel"
)

func TestProcessEventsDispatchesFramedLines(t *testing.T) {
	pool := &poolview.FakePool{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateDegraded}},
	}
	view := &poolview.FakeView{PoolsL: []*poolview.FakePool{pool}}
	d := newTestDaemon(t, view)

	transport := &fakeTransport{data: []byte("!system=ZFS class=ereport.fs.zfs.io pool_guid=1 vdev_guid=2 timestamp=1\n")}
	buffer := devctl.NewEventBuffer(transport, devctl.BufferOptions{
		Capacity:     d.cfg.BufferCapacity,
		MaxEventSize: d.cfg.MaxEventSize,
		MinEventSize: d.cfg.MinEventSize,
	})

	hangup, err := d.processEvents(buffer)
	require.NoError(t, err)
	assert.False(t, hangup)

	_, ok := d.registry.Find(casefile.Key{PoolGUID: 1, VdevGUID: 2})
	assert.True(t, ok)
}

func TestProcessEventsSkipsDiscardedNomatch(t *testing.T) {
	d := newTestDaemon(t, &poolview.FakeView{})
	transport := &fakeTransport{data: []byte("?at bus=0 slot=3 function=0 vendor=0x8086 device=0x1e31 subvendor=0x17aa on pci0\n")}
	buffer := devctl.NewEventBuffer(transport, devctl.BufferOptions{
		Capacity:     d.cfg.BufferCapacity,
		MaxEventSize: d.cfg.MaxEventSize,
		MinEventSize: d.cfg.MinEventSize,
	})

	hangup, err := d.processEvents(buffer)
	require.NoError(t, err)
	assert.False(t, hangup)
	assert.Empty(t, d.unconsumed)
}

func TestOnGraceExpiredIgnoresForeignToken(t *testing.T) {
	d := newTestDaemon(t, &poolview.FakeView{})
	d.onGraceExpired(timerwheel.Expiry{Token: "not-a-key"})
}

func TestOnGraceExpiredResolvesKey(t *testing.T) {
	pool := &poolview.FakePool{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateDegraded}},
	}
	view := &poolview.FakeView{PoolsL: []*poolview.FakePool{pool}}
	d := newTestDaemon(t, view)
	cf := d.registry.CreateIfMissing(1, pool.VdevsL[0])
	ev, err := devctl.Parse("!class=ereport.fs.zfs.io pool_guid=1 vdev_guid=2 timestamp=1\n")
	require.NoError(t, err)
	cf.Reevaluate(ev)

	d.onGraceExpired(timerwheel.Expiry{Token: casefile.Key{PoolGUID: 1, VdevGUID: 2}})
	assert.Len(t, cf.Events(), 1)
	assert.Empty(t, cf.TentativeEvents())
}
