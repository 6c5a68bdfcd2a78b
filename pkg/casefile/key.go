/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package casefile

import (
	"fmt"

	"github.com/freebsd/zfsd/pkg/devctl"
)

// Key is a Case File's immutable identity: one per (pool, vdev) pair
// (spec invariant 1). It doubles as the on-disk filename stem and the
// timerwheel token a grace-period expiry arrives tagged with.
type Key struct {
	PoolGUID devctl.GUID
	VdevGUID devctl.GUID
}

// String renders the filename stem "pool_<PGUID>_vdev_<VGUID>" (spec
// invariant 5, minus the ".case" suffix FileName adds).
func (k Key) String() string {
	return fmt.Sprintf("pool_%s_vdev_%s", k.PoolGUID, k.VdevGUID)
}

// FileName is the on-disk case file name for this identity.
func (k Key) FileName() string {
	return k.String() + ".case"
}
