/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package zpool is the production poolview.View: it shells out to the
// zpool(8)/zfs(8) command-line tools rather than linking libzfs via
// cgo, one of the two options SPEC_FULL.md §5.1 names ("the production
// implementation shells out or reads `/sys/block`"). Parsing
// zpool's human-readable output is inherently best-effort; where the
// CLI has no equivalent of a libzfs call the original used (notably
// zpool_vdev_degrade(), which is not exposed as a zpool subcommand),
// the nearest observable CLI action is substituted and the gap is
// called out on the method doc.
//
// Grounded on the teacher's pkg/backend/imagelist.go and pkg/process
// exec.Command wrapping style (build argv, run, scan stdout lines).
package zpool

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/freebsd/zfsd/pkg/devctl"
	"github.com/freebsd/zfsd/pkg/poolview"
	"github.com/freebsd/zfsd/pkg/slices"
)

const execTimeout = 10 * time.Second

// View is the CLI-backed poolview.View. It holds no open handle -
// every call re-execs zpool/zfs - so Close is a no-op kept only to
// satisfy the interface.
type View struct {
	// ZpoolPath and ZfsPath let tests and unusual installs point at a
	// non-PATH binary; empty means "zpool"/"zfs" resolved via PATH.
	ZpoolPath string
	ZfsPath   string
}

// New returns a View that runs the zpool/zfs binaries found on PATH.
func New() *View {
	return &View{ZpoolPath: "zpool", ZfsPath: "zfs"}
}

func (v *View) zpool() string {
	if v.ZpoolPath == "" {
		return "zpool"
	}
	return v.ZpoolPath
}

func run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// PoolByGUID resolves a GUID by enumerating every pool and matching on
// its already-resolved GUID; zpool(8) has no "find pool by GUID"
// lookup of its own.
func (v *View) PoolByGUID(guid devctl.GUID) (poolview.Pool, bool) {
	for _, p := range v.Pools() {
		if p.GUID() == guid {
			return p, true
		}
	}
	return nil, false
}

// Pools enumerates every imported pool.
func (v *View) Pools() []poolview.Pool {
	names, err := v.listNames()
	if err != nil {
		return nil
	}
	pools := make([]poolview.Pool, 0, len(names))
	for _, name := range names {
		p, err := v.loadPool(name)
		if err != nil {
			continue
		}
		pools = append(pools, p)
	}
	return pools
}

func (v *View) listNames() ([]string, error) {
	out, err := run(context.Background(), v.zpool(), "list", "-H", "-o", "name")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ListBlockDevices returns the leaf vdev device names of every imported
// pool (each vdev path with any "/dev/" prefix removed), gathered
// through the same zpool(8) calls Pools makes, with duplicates removed.
// Block devices that belong to no pool, and hot spares, are not listed.
func (v *View) ListBlockDevices() ([]string, error) {
	var devices []string
	for _, p := range v.Pools() {
		for _, vd := range p.Vdevs() {
			if name := strings.TrimPrefix(vd.Path, "/dev/"); name != "" {
				devices = append(devices, name)
			}
		}
	}
	return slices.RemoveDuplicates(devices), nil
}

// Close is a no-op: View holds no persistent handle.
func (v *View) Close() error { return nil }

// loadPool reconciles two `zpool status` invocations, since -g (GUIDs in
// place of device names) and -P (full device paths) cannot be combined
// in one call: pathOut carries real /dev paths and state, guidOut
// carries the same tree shape with each leaf's GUID instead of its
// name. zpool always emits a pool's vdev tree in the same canonical
// order, so the two leaf lists are zipped together positionally.
func (v *View) loadPool(name string) (*Pool, error) {
	guid, err := v.poolGUID(name)
	if err != nil {
		return nil, err
	}

	pathOut, err := run(context.Background(), v.zpool(), "status", "-P", name)
	if err != nil {
		return nil, err
	}
	pathLeaves, spares := parseStatus(pathOut)

	guidOut, err := run(context.Background(), v.zpool(), "status", "-g", name)
	if err != nil {
		return nil, err
	}
	guidLeaves, _ := parseStatus(guidOut)

	vdevs := make([]poolview.VdevConfig, 0, len(pathLeaves))
	for i, leaf := range pathLeaves {
		vd := poolview.VdevConfig{
			Type:  poolview.VdevTypeDisk,
			Path:  leaf.name,
			// No zpool(8) column reports a distinct physical path; the
			// full device path is the closest CLI-observable stand-in
			// (see package doc).
			PhysPath: leaf.name,
			State:    leaf.state,
		}
		if i < len(guidLeaves) {
			if g, err := strconv.ParseUint(guidLeaves[i].name, 10, 64); err == nil {
				vd.GUID = devctl.GUID(g)
			}
		}
		vdevs = append(vdevs, vd)
	}
	return &Pool{view: v, name: name, guid: guid, vdevs: vdevs, spares: spares}, nil
}

func (v *View) poolGUID(name string) (devctl.GUID, error) {
	out, err := run(context.Background(), v.zpool(), "get", "-H", "-p", "-o", "value", "guid", name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse guid for pool %s", name)
	}
	return devctl.GUID(n), nil
}

// leaf is one parsed line from the "config:" section of `zpool status`:
// whatever zpool printed in the NAME column (a device path under -P, a
// GUID under -g, a bare name under neither) plus its state.
type leaf struct {
	name  string
	state devctl.VdevState
}

// parseStatus reads the "config:" section of a `zpool status` (with
// either -g or -P, never both - see loadPool) invocation. Indentation
// under the "NAME STATE READ WRITE CKSUM" header marks tree depth; the
// root line (pool name, depth 0) and any top-level redundancy group
// (mirror-N/raidzN, depth 1) are skipped as non-leaf bookkeeping,
// leaving individual leaf vdevs. A blank line followed by "spares"
// starts the hot-spare list, which is shallow so every entry there is
// already a leaf.
func parseStatus(out string) ([]leaf, []poolview.SpareConfig) {
	var leaves []leaf
	var spares []poolview.SpareConfig

	inConfig := false
	inSpares := false
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "config:" {
			inConfig = true
			continue
		}
		if !inConfig {
			continue
		}
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "NAME") {
			continue
		}
		if trimmed == "spares" {
			inSpares = true
			continue
		}
		if trimmed == "logs" || trimmed == "cache" {
			// Unhandled top-level groups; stop before misparsing their
			// members as ordinary vdevs.
			break
		}

		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		first := fields[0]
		state := devctl.VdevStateUnknown
		if len(fields) > 1 {
			state = parseState(fields[1])
		}

		if inSpares {
			spares = append(spares, poolview.SpareConfig{
				Type:  poolview.VdevTypeSpare,
				Path:  first,
				State: state,
			})
			continue
		}

		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent <= 1 {
			// Root pool line or, one level in, a redundancy group
			// (mirror-0, raidz1-0): neither is a leaf vdev.
			continue
		}

		leaves = append(leaves, leaf{name: first, state: state})
	}
	return leaves, spares
}

func parseState(s string) devctl.VdevState {
	switch strings.ToUpper(s) {
	case "ONLINE":
		return devctl.VdevStateHealthy
	case "DEGRADED":
		return devctl.VdevStateDegraded
	case "FAULTED":
		return devctl.VdevStateFaulted
	case "UNAVAIL":
		return devctl.VdevStateCantOpen
	case "REMOVED":
		return devctl.VdevStateRemoved
	case "OFFLINE":
		return devctl.VdevStateOffline
	default:
		return devctl.VdevStateUnknown
	}
}

// Pool is the CLI-backed poolview.Pool for one imported pool.
type Pool struct {
	view   *View
	name   string
	guid   devctl.GUID
	vdevs  []poolview.VdevConfig
	spares []poolview.SpareConfig
}

func (p *Pool) GUID() devctl.GUID { return p.guid }
func (p *Pool) Name() string      { return p.name }

func (p *Pool) Vdevs() []poolview.VdevConfig { return p.vdevs }

func (p *Pool) FindVdev(guid devctl.GUID) (poolview.VdevConfig, bool) {
	for _, vd := range p.vdevs {
		if vd.GUID == guid {
			return vd, true
		}
	}
	return poolview.VdevConfig{}, false
}

func (p *Pool) Spares() []poolview.SpareConfig { return p.spares }

// Online runs `zpool online [-e] pool <guid>`. flags is consulted only
// for OnlineCheckRemove, passed through as -e (expand to device
// capacity); OnlineUnspare has no zpool-online equivalent and is
// silently ignored, since unspare is really `zpool detach`.
func (p *Pool) Online(vdev devctl.GUID, flags poolview.OnlineFlag) (devctl.VdevState, error) {
	args := []string{"online"}
	if flags&poolview.OnlineCheckRemove != 0 {
		args = append(args, "-e")
	}
	args = append(args, p.name, vdevArg(vdev))
	if _, err := run(context.Background(), p.view.zpool(), args...); err != nil {
		return devctl.VdevStateUnknown, err
	}
	return devctl.VdevStateHealthy, nil
}

// Degrade has no zpool(8) subcommand: DEGRADED is a kernel-internal
// state the original set via the private libzfs zpool_vdev_degrade()
// call. `zpool offline` is the nearest CLI-observable action that
// marks a vdev non-HEALTHY without removing it from the configuration,
// and stands in here; a cgo-linked build should call the real
// zpool_vdev_degrade() instead.
func (p *Pool) Degrade(vdev devctl.GUID, aux poolview.VdevAux) error {
	_, err := run(context.Background(), p.view.zpool(), "offline", p.name, vdevArg(vdev))
	return err
}

// Attach runs `zpool attach` or, with replace set, `zpool replace`.
func (p *Pool) Attach(fromVdev devctl.GUID, cfg poolview.AttachConfig, replace bool) error {
	sub := "attach"
	if replace {
		sub = "replace"
	}
	_, err := run(context.Background(), p.view.zpool(), sub, p.name, vdevArg(fromVdev), cfg.ChildPath)
	return err
}

// LabelDisk is a no-op: zpool(8) has no standalone label-write
// subcommand - `zpool attach`/`zpool replace` write the label as part
// of bringing the device in. The original's zpool_label_disk() call
// only made sense ahead of a libzfs attach that shared its handle;
// over the CLI, Attach/Replace below does the whole job in one step.
func (p *Pool) LabelDisk(devPath string) error { return nil }

func (p *Pool) GetPropInt(prop poolview.PoolProp) (int64, error) {
	name := "autoreplace"
	switch prop {
	case poolview.PropAutoreplace:
		name = "autoreplace"
	}
	out, err := run(context.Background(), p.view.zpool(), "get", "-H", "-o", "value", name, p.name)
	if err != nil {
		return 0, err
	}
	switch strings.TrimSpace(out) {
	case "on":
		return 1, nil
	default:
		return 0, nil
	}
}

func vdevArg(guid devctl.GUID) string {
	return strconv.FormatUint(uint64(guid), 10)
}
