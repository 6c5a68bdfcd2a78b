/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package devctl implements the kernel device-control event wire format:
// framing a byte stream into lines (EventBuffer), and parsing a line into
// an immutable Event (Parse). Both are pure with respect to the rest of
// the daemon - no pool or vdev lookups happen here.
package devctl

import (
	"strconv"

	"github.com/pkg/errors"
)

// GUID is the 64-bit opaque pool or vdev identifier used throughout the
// pool library and rendered as decimal in events and case file names.
type GUID uint64

// String renders the GUID in the same decimal form the pool library and
// event stream use.
func (g GUID) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// ParseGUID parses a decimal GUID string. An empty string is not a valid
// GUID; callers that need to distinguish "absent" from "zero" should test
// for emptiness before calling this.
func ParseGUID(s string) (GUID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse guid %q", s)
	}
	return GUID(v), nil
}
