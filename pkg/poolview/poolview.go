/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package poolview is the read-only facade over the pool library that
// the Case Engine uses to look up pools, vdevs and spares, and the
// narrow set of mutating actions (online, degrade, attach, label,
// get-property) it is allowed to invoke (spec "Pool View"). Naming of
// VdevType mirrors the libzfs VDevType/PoolStatus conventions. The
// production View is pkg/poolview/zpool, which runs the zpool(8) command
// line tool; tests use the Fake doubles in this package.
package poolview

import "github.com/freebsd/zfsd/pkg/devctl"

// VdevType names the kind of a vdev or spare, following libzfs naming.
type VdevType string

const (
	VdevTypeRoot      VdevType = "root"
	VdevTypeMirror    VdevType = "mirror"
	VdevTypeReplacing VdevType = "replacing"
	VdevTypeRaidz     VdevType = "raidz"
	VdevTypeDisk      VdevType = "disk"
	VdevTypeFile      VdevType = "file"
	VdevTypeSpare     VdevType = "spare"
	VdevTypeLog       VdevType = "log"
	VdevTypeL2cache   VdevType = "l2cache"
)

// VdevAux refines why a vdev is not HEALTHY, mirroring libzfs's
// vdev_aux_t. Only the values the Case Engine actually branches on are
// named; the rest collapse to AuxNone for a portable build.
type VdevAux int

const (
	AuxNone VdevAux = iota
	AuxErrExceeded
	AuxSpared
	AuxNoReplicas
)

// OnlineFlag is a bitmask passed to Pool.Online.
type OnlineFlag int

const (
	OnlineCheckRemove OnlineFlag = 1 << iota
	OnlineUnspare
)

// VdevConfig is a read-only snapshot of one vdev's configuration.
type VdevConfig struct {
	GUID     devctl.GUID
	Type     VdevType
	Path     string
	PhysPath string
	State    devctl.VdevState
	Aux      VdevAux
}

// SpareConfig is a read-only snapshot of one hot-spare slot.
type SpareConfig struct {
	Type  VdevType
	Path  string
	State devctl.VdevState
	Aux   VdevAux
}

// AttachConfig is the single-child root configuration Replace builds
// (spec §4.5.5): {type: ROOT, children: [{type, path}]}.
type AttachConfig struct {
	ChildType VdevType
	ChildPath string
}

// PoolProp names a pool property read via GetPropInt.
type PoolProp int

const (
	PropAutoreplace PoolProp = iota
)

// Pool is a handle to one open pool, returned by PoolByGUID.
type Pool interface {
	// GUID returns the pool's identity.
	GUID() devctl.GUID
	// Name returns the pool's administrative name, for logging.
	Name() string

	// Vdevs returns every vdev currently configured in the pool, in
	// pool-library enumeration order.
	Vdevs() []VdevConfig
	// FindVdev looks up one vdev by GUID.
	FindVdev(guid devctl.GUID) (VdevConfig, bool)
	// Spares returns the pool's configured hot spares.
	Spares() []SpareConfig

	// Online brings a vdev online with the given flags, returning its
	// resulting state.
	Online(vdev devctl.GUID, flags OnlineFlag) (devctl.VdevState, error)
	// Degrade marks a vdev DEGRADED with the given aux reason.
	Degrade(vdev devctl.GUID, aux VdevAux) error
	// Attach replaces fromVdev with the device described by cfg. replace
	// selects zpool_vdev_attach's "replace" mode over plain mirror-attach.
	Attach(fromVdev devctl.GUID, cfg AttachConfig, replace bool) error
	// LabelDisk writes a ZFS label onto the whole disk at devPath so it
	// can subsequently be attached.
	LabelDisk(devPath string) error
	// GetPropInt reads an integer pool property.
	GetPropInt(prop PoolProp) (int64, error)
}

// View is the process-wide pool library handle (spec §5 "the pool
// library handle is process-wide state initialised once at startup and
// torn down on exit").
type View interface {
	// PoolByGUID looks up a currently-imported pool.
	PoolByGUID(guid devctl.GUID) (Pool, bool)
	// Pools returns every currently-imported pool, for enumeration
	// during startup reconciliation (spec §4.7 step 3).
	Pools() []Pool
	// ListBlockDevices enumerates every block-device provider known to
	// the system, for the synthetic rescan (spec §4.7 step 5). Names are
	// bare device names (e.g. "da0"), matching the devctl "cdev" field a
	// real DEVFS CREATE event would carry.
	ListBlockDevices() ([]string, error)
	// Close tears down the process-wide handle.
	Close() error
}
