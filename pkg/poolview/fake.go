/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package poolview

import (
	"github.com/pkg/errors"

	"github.com/freebsd/zfsd/pkg/devctl"
)

// FakePool is an in-memory Pool double for unit tests; it records every
// mutating call so tests can assert on them without a real pool
// library.
type FakePool struct {
	PGUID  devctl.GUID
	PName  string
	VdevsL []VdevConfig
	SparesL []SpareConfig

	Autoreplace int64

	// Failure injection.
	OnlineErr error
	DegradeErr error
	AttachErr error
	LabelErr  error

	// Call log for assertions.
	OnlineCalls []devctl.GUID
	DegradeCalls []devctl.GUID
	AttachCalls []AttachConfig
	LabelCalls  []string
}

func (p *FakePool) GUID() devctl.GUID { return p.PGUID }
func (p *FakePool) Name() string      { return p.PName }

func (p *FakePool) Vdevs() []VdevConfig { return p.VdevsL }

func (p *FakePool) FindVdev(guid devctl.GUID) (VdevConfig, bool) {
	for _, v := range p.VdevsL {
		if v.GUID == guid {
			return v, true
		}
	}
	return VdevConfig{}, false
}

func (p *FakePool) Spares() []SpareConfig { return p.SparesL }

func (p *FakePool) Online(vdev devctl.GUID, flags OnlineFlag) (devctl.VdevState, error) {
	p.OnlineCalls = append(p.OnlineCalls, vdev)
	if p.OnlineErr != nil {
		return devctl.VdevStateUnknown, p.OnlineErr
	}
	for i, v := range p.VdevsL {
		if v.GUID == vdev {
			p.VdevsL[i].State = devctl.VdevStateHealthy
			if flags&OnlineUnspare != 0 {
				p.VdevsL[i].Aux = AuxNone
			}
			return p.VdevsL[i].State, nil
		}
	}
	return devctl.VdevStateUnknown, errors.New("fakepool: no such vdev")
}

func (p *FakePool) Degrade(vdev devctl.GUID, aux VdevAux) error {
	p.DegradeCalls = append(p.DegradeCalls, vdev)
	if p.DegradeErr != nil {
		return p.DegradeErr
	}
	for i, v := range p.VdevsL {
		if v.GUID == vdev {
			p.VdevsL[i].State = devctl.VdevStateDegraded
			p.VdevsL[i].Aux = aux
		}
	}
	return nil
}

func (p *FakePool) Attach(fromVdev devctl.GUID, cfg AttachConfig, replace bool) error {
	p.AttachCalls = append(p.AttachCalls, cfg)
	return p.AttachErr
}

func (p *FakePool) LabelDisk(devPath string) error {
	p.LabelCalls = append(p.LabelCalls, devPath)
	return p.LabelErr
}

func (p *FakePool) GetPropInt(prop PoolProp) (int64, error) {
	switch prop {
	case PropAutoreplace:
		return p.Autoreplace, nil
	default:
		return 0, errors.Errorf("fakepool: unknown property %d", prop)
	}
}

// FakeView is an in-memory View double backing zero or more FakePools.
type FakeView struct {
	PoolsL   []*FakePool
	BlockDevs []string
	ListErr   error
}

func (v *FakeView) PoolByGUID(guid devctl.GUID) (Pool, bool) {
	for _, p := range v.PoolsL {
		if p.PGUID == guid {
			return p, true
		}
	}
	return nil, false
}

func (v *FakeView) Pools() []Pool {
	out := make([]Pool, len(v.PoolsL))
	for i, p := range v.PoolsL {
		out[i] = p
	}
	return out
}

func (v *FakeView) ListBlockDevices() ([]string, error) {
	if v.ListErr != nil {
		return nil, v.ListErr
	}
	return v.BlockDevs, nil
}

func (v *FakeView) Close() error { return nil }
