/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package poolview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd/zfsd/pkg/devctl"
)

func TestFakeViewPoolByGUID(t *testing.T) {
	pool := &FakePool{PGUID: 42, PName: "tank"}
	view := &FakeView{PoolsL: []*FakePool{pool}}

	got, ok := view.PoolByGUID(42)
	require.True(t, ok)
	assert.Equal(t, "tank", got.Name())

	_, ok = view.PoolByGUID(99)
	assert.False(t, ok)
}

func TestFakePoolOnlineTransitionsState(t *testing.T) {
	pool := &FakePool{
		VdevsL: []VdevConfig{{GUID: 1, State: devctl.VdevStateOffline}},
	}
	state, err := pool.Online(1, OnlineCheckRemove)
	require.NoError(t, err)
	assert.Equal(t, devctl.VdevStateHealthy, state)
	assert.Equal(t, []devctl.GUID{1}, pool.OnlineCalls)
}

func TestFakePoolOnlineUnknownVdev(t *testing.T) {
	pool := &FakePool{}
	_, err := pool.Online(7, 0)
	assert.Error(t, err)
}

func TestFakePoolDegradeSetsAuxAndState(t *testing.T) {
	pool := &FakePool{VdevsL: []VdevConfig{{GUID: 1, State: devctl.VdevStateHealthy}}}
	require.NoError(t, pool.Degrade(1, AuxErrExceeded))
	got, ok := pool.FindVdev(1)
	require.True(t, ok)
	assert.Equal(t, devctl.VdevStateDegraded, got.State)
	assert.Equal(t, AuxErrExceeded, got.Aux)
}

func TestFakePoolGetPropIntAutoreplace(t *testing.T) {
	pool := &FakePool{Autoreplace: 1}
	v, err := pool.GetPropInt(PropAutoreplace)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestFakeViewListBlockDevicesPropagatesError(t *testing.T) {
	view := &FakeView{ListErr: assert.AnError}
	_, err := view.ListBlockDevices()
	assert.Error(t, err)
}
