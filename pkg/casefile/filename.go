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

// ParseFileName recovers a Key from a case file's base name, matching
// the original DeSerializeSelector's "pool_%u_vdev_%u.case" scandir
// pattern. ok is false for anything that doesn't match, so the Case
// Registry can silently skip unrelated files in the case directory.
func ParseFileName(name string) (key Key, ok bool) {
	var pguid, vguid uint64
	n, err := fmt.Sscanf(name, "pool_%d_vdev_%d.case", &pguid, &vguid)
	if err != nil || n != 2 {
		return Key{}, false
	}
	return Key{PoolGUID: devctl.GUID(pguid), VdevGUID: devctl.GUID(vguid)}, true
}
