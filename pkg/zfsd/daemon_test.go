/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package zfsd

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd/zfsd/config"
	"github.com/freebsd/zfsd/pkg/casefile"
	"github.com/freebsd/zfsd/pkg/devctl"
	"github.com/freebsd/zfsd/pkg/poolview"
)

// fakeTransport is an in-memory Transport double: Pending reports
// whatever pendingN was armed with, then drains to zero so
// detectMissedEvents' settle loop terminates.
type fakeTransport struct {
	data     []byte
	pendingN int
	closed   bool
}

func (t *fakeTransport) Available() (int, error) { return len(t.data), nil }

func (t *fakeTransport) Read(p []byte) (int, error) {
	n := copy(p, t.data)
	t.data = t.data[n:]
	return n, nil
}

func (t *fakeTransport) Pending(ctx context.Context) (bool, error) {
	if t.pendingN > 0 {
		t.pendingN--
		return true, nil
	}
	return false, nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func newTestDaemon(t *testing.T, view poolview.View) *Daemon {
	t.Helper()
	cfg := config.Config{
		CaseFileDir:    t.TempDir(),
		GracePeriod:    60 * time.Second,
		DegradeIOCount: 50,
		BufferCapacity: config.DefaultBufferCapacity,
		MaxEventSize:   config.DefaultMaxEventSize,
		MinEventSize:   config.DefaultMinEventSize,
	}
	return New(cfg, view, nil)
}

func TestDetectMissedEventsCreatesCasesForNonHealthyVdevs(t *testing.T) {
	view := &poolview.FakeView{PoolsL: []*poolview.FakePool{{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateDegraded}},
	}}}
	d := newTestDaemon(t, view)

	transport := &fakeTransport{}
	require.NoError(t, d.detectMissedEvents(context.Background(), transport))

	_, ok := d.registry.Find(casefile.Key{PoolGUID: 1, VdevGUID: 2})
	assert.True(t, ok)
}

func TestDetectMissedEventsSettlesAfterPendingDrains(t *testing.T) {
	view := &poolview.FakeView{}
	d := newTestDaemon(t, view)

	transport := &fakeTransport{pendingN: 2}
	require.NoError(t, d.detectMissedEvents(context.Background(), transport))
	assert.Equal(t, 0, transport.pendingN)
}

func TestRescanSystemBringsCantOpenVdevBackOnline(t *testing.T) {
	pool := &poolview.FakePool{
		PGUID:  1,
		VdevsL: []poolview.VdevConfig{{GUID: 2, State: devctl.VdevStateCantOpen, Path: "/dev/da0"}},
	}
	view := &poolview.FakeView{PoolsL: []*poolview.FakePool{pool}, BlockDevs: []string{"da0"}}
	d := newTestDaemon(t, view)
	d.registry.CreateIfMissing(1, pool.VdevsL[0])

	require.NoError(t, d.rescanSystem(&fakeTransport{}))

	assert.NotEmpty(t, pool.OnlineCalls)
	_, ok := d.registry.Find(casefile.Key{PoolGUID: 1, VdevGUID: 2})
	assert.False(t, ok, "case should have closed once the vdev came back healthy")
}

func TestDispatchQueuesUnconsumedEvents(t *testing.T) {
	d := newTestDaemon(t, &poolview.FakeView{})
	ev, err := devctl.Parse("!class=ereport.fs.zfs.io pool_guid=9 vdev_guid=9 timestamp=1\n")
	require.NoError(t, err)

	d.dispatch(ev)
	assert.Len(t, d.unconsumed, 1)
}

func TestReplayUnconsumedEventsDrainsQueue(t *testing.T) {
	d := newTestDaemon(t, &poolview.FakeView{})
	ev, err := devctl.Parse("!class=ereport.fs.zfs.io pool_guid=9 vdev_guid=9 timestamp=1\n")
	require.NoError(t, err)
	d.dispatch(ev)
	require.Len(t, d.unconsumed, 1)

	d.ReplayUnconsumedEvents()
	assert.Empty(t, d.unconsumed)
	assert.False(t, d.replaying)
}

func TestHandleSignalSetsLatches(t *testing.T) {
	d := newTestDaemon(t, &poolview.FakeView{})

	d.handleSignal(syscall.SIGHUP)
	assert.True(t, d.rescanRequested)

	d.rescanRequested = false
	d.handleSignal(syscall.SIGUSR2)
	assert.True(t, d.logRequested)

	d.handleSignal(syscall.SIGTERM)
	assert.True(t, d.terminate)
}
