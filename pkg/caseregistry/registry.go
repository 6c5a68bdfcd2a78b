/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package caseregistry is the process-wide set of live Case Files
// (spec "Case Registry"): lookup by identity or physical path,
// creation, bulk serialize/purge, and loading persisted cases back
// from disk at startup.
//
// Grounded on the teacher's pkg/manager.DaemonStates (an
// insertion-ordered, ID-indexed collection of live daemon handles with
// Add/Remove/RecoverDaemonState) generalized from a single ID key to
// the Case File's (pool_guid, vdev_guid) pair, and on
// original_source/head/cddl/sbin/zfsd/case_file.cc's
// CaseFile::Find/DeSerialize/PurgeAll/LogAll static methods.
package caseregistry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/freebsd/zfsd/pkg/casefile"
	"github.com/freebsd/zfsd/pkg/devctl"
	"github.com/freebsd/zfsd/pkg/poolview"
	"github.com/freebsd/zfsd/pkg/store"
)

// Registry holds every live Case File, keyed by identity, preserving
// insertion order the way the teacher's DaemonStates preserves
// discovery order for its listings.
type Registry struct {
	deps  casefile.Deps
	order []casefile.Key
	cases map[casefile.Key]*casefile.CaseFile

	// index is the optional bbolt-backed phys-path lookup
	// (SPEC_FULL.md §3). A nil index makes FindByPhysPath fall back to
	// the O(n) scan over order, which is correct either way.
	index *store.Database
}

// New constructs an empty Registry. deps is threaded into every Case
// File this Registry creates. index may be nil to run without the
// optional phys-path index.
func New(deps casefile.Deps, index *store.Database) *Registry {
	return &Registry{
		deps:  deps,
		cases: make(map[casefile.Key]*casefile.CaseFile),
		index: index,
	}
}

// Find looks up a live Case File by its (pool_guid, vdev_guid)
// identity.
func (r *Registry) Find(key casefile.Key) (*casefile.CaseFile, bool) {
	cf, ok := r.cases[key]
	return cf, ok
}

// FindByPhysPath looks up a live Case File by its last-observed
// physical path. The daemon itself does not call it: a disk arrival is
// offered to every live Case File by DispatchDiskArrival, which matches
// phys_path per case. When the optional index is present it is consulted
// first; a hit still resolves through r.cases so a stale index entry
// for a since-closed case correctly misses.
func (r *Registry) FindByPhysPath(physPath string) (*casefile.CaseFile, bool) {
	if physPath == "" {
		return nil, false
	}
	if key, ok := r.index.FindByPhysPath(physPath); ok {
		if cf, ok := r.cases[key]; ok && cf.PhysPath() == physPath {
			return cf, true
		}
	}
	for _, key := range r.order {
		cf := r.cases[key]
		if cf != nil && cf.PhysPath() == physPath {
			return cf, true
		}
	}
	return nil, false
}

// CreateIfMissing returns the existing Case File for vdev if one is
// already tracked, or creates and registers a new one (spec invariant
// 1: at most one Case File per identity).
func (r *Registry) CreateIfMissing(poolGUID devctl.GUID, vdev poolview.VdevConfig) *casefile.CaseFile {
	key := casefile.Key{PoolGUID: poolGUID, VdevGUID: vdev.GUID}
	if cf, ok := r.cases[key]; ok {
		return cf
	}
	cf := casefile.New(key, vdev, r.deps)
	r.cases[key] = cf
	r.order = append(r.order, key)
	if err := r.index.Put(key, vdev.PhysPath); err != nil {
		logrus.WithError(err).Debug("caseregistry: indexing phys_path failed")
	}
	return cf
}

// evict removes every Case File that has closed itself since the last
// sweep. Callers invoke this after any dispatch that may have called
// Close, keeping the Registry from ever reusing a closed Case File.
func (r *Registry) evict() {
	live := r.order[:0]
	for _, key := range r.order {
		cf := r.cases[key]
		if cf.Closed() {
			delete(r.cases, key)
			if err := r.index.Delete(key); err != nil {
				logrus.WithError(err).Debug("caseregistry: removing phys_path index entry failed")
			}
			continue
		}
		live = append(live, key)
	}
	r.order = live
}

// Dispatch routes ev to the Case File for its (pool_guid, vdev_guid),
// creating one first if none is tracked yet and the vdev is not
// HEALTHY. It returns false, without consulting any Case File, if the
// event carries no usable identity. Closed Case Files are evicted
// immediately after dispatch.
func (r *Registry) Dispatch(view poolview.View, ev *devctl.Event) (consumed bool) {
	pguid, err := ev.PoolGUID()
	if err != nil {
		return false
	}
	vguid, err := ev.VdevGUID()
	if err != nil {
		return false
	}
	key := casefile.Key{PoolGUID: pguid, VdevGUID: vguid}

	cf, ok := r.cases[key]
	if !ok {
		pool, found := view.PoolByGUID(pguid)
		if !found {
			return false
		}
		vdev, found := pool.FindVdev(vguid)
		if !found {
			return false
		}
		if vdev.State == devctl.VdevStateHealthy {
			return false
		}
		cf = r.CreateIfMissing(pguid, vdev)
	}

	consumed = cf.Reevaluate(ev)
	r.evict()
	return consumed
}

// DispatchDiskArrival broadcasts a whole-disk DEVFS CREATE event (spec
// §4.5 "reevaluate(dev_path, phys_path, new_vdev?)") to every live Case
// File, since - unlike a soft-error ereport - a disk arrival carries no
// (pool_guid, vdev_guid) of its own to key a single lookup on. newVdev
// is resolved once here by matching the arriving device path against
// every currently-imported pool's vdevs, then passed to each Case
// File's ReevaluateDiskArrival so it can tell "this is my vdev coming
// back" from "some other vdev might want to adopt this as a spare
// replacement by phys_path".
func (r *Registry) DispatchDiskArrival(view poolview.View, ev *devctl.Event) (consumed bool) {
	devPath := ev.Value("cdev")
	if devPath == "" {
		return false
	}
	physPath := ev.Value("physpath")

	var newVdev *casefile.Key
	for _, pool := range view.Pools() {
		for _, vdev := range pool.Vdevs() {
			if vdev.Path == devPath || vdev.Path == "/dev/"+devPath {
				key := casefile.Key{PoolGUID: pool.GUID(), VdevGUID: vdev.GUID}
				newVdev = &key
			}
		}
	}

	for _, key := range r.order {
		cf := r.cases[key]
		if cf.ReevaluateDiskArrival(devPath, physPath, newVdev) {
			consumed = true
		}
	}
	r.evict()
	return consumed
}

// HandleGraceExpired fires the named Case File's grace-period callback
// (spec §4.5.3), reached via the timer wheel's expiry channel rather
// than a callback held by the timer itself (spec §9 redesign
// guidance). A key with no live Case File is silently ignored - it
// raced with a Close that already stopped the timer.
func (r *Registry) HandleGraceExpired(key casefile.Key) {
	cf, ok := r.cases[key]
	if !ok {
		return
	}
	cf.OnGracePeriodEnded()
	r.evict()
}

// LogAll dumps every live Case File's identity and state to the log,
// driven by the SIGUSR2 latch.
func (r *Registry) LogAll() {
	for _, key := range r.order {
		cf := r.cases[key]
		logrus.Infof("case %s: state=%s phys_path=%q", key, cf.VdevState(), cf.PhysPath())
	}
}

// PurgeAll serializes and tears down every live Case File (spec
// §4.7 Missed-Event Detection step 1: "force re-synchronization" on
// reconnect).
func (r *Registry) PurgeAll() {
	for _, key := range r.order {
		cf := r.cases[key]
		cf.Close()
	}
	r.evict()
}

// LoadFromDisk implements spec §4.6 "Load_from_disk": scans CaseDir
// for files matching "pool_%u_vdev_%u.case", reconciles each against
// any live Case File and the pool library, and replays its persisted
// events.
func (r *Registry) LoadFromDisk(view poolview.View, parse func(string) (*devctl.Event, error)) error {
	entries, err := os.ReadDir(r.deps.CaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read case directory %s", r.deps.CaseDir)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := casefile.ParseFileName(entry.Name())
		if !ok {
			continue
		}
		r.loadOne(view, key, parse)
	}
	return nil
}

func (r *Registry) loadOne(view poolview.View, key casefile.Key, parse func(string) (*devctl.Event, error)) {
	path := filepath.Join(r.deps.CaseDir, key.FileName())

	cf, existing := r.cases[key]
	if existing {
		if cf.VdevState() > devctl.VdevStateCantOpen && cf.VdevState() < devctl.VdevStateHealthy {
			r.unlinkStale(path, key)
			return
		}
	} else {
		pool, found := view.PoolByGUID(key.PoolGUID)
		if !found {
			r.unlinkStale(path, key)
			return
		}
		vdev, found := pool.FindVdev(key.VdevGUID)
		if !found {
			r.unlinkStale(path, key)
			return
		}
		cf = casefile.New(key, vdev, r.deps)
	}

	lines, err := readLines(path)
	if err != nil {
		logrus.WithError(err).Warnf("caseregistry: reading %s", path)
		r.unlinkStale(path, key)
		return
	}

	if err := cf.LoadLines(lines, parse); err != nil {
		logrus.WithError(err).Warnf("caseregistry: parsing %s, abandoning case", path)
		r.unlinkStale(path, key)
		return
	}

	if !existing {
		r.cases[key] = cf
		r.order = append(r.order, key)
		if err := r.index.Put(key, cf.PhysPath()); err != nil {
			logrus.WithError(err).Debug("caseregistry: indexing phys_path failed")
		}
	}
}

func (r *Registry) unlinkStale(path string, key casefile.Key) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warnf("caseregistry: unlinking stale case file %s", key)
	}
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(data), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if line == "" {
			continue
		}
		lines = append(lines, line+"\n")
	}
	return lines, nil
}
