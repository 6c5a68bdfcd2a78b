/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

// Version, Reversion, BuildTimestamp and GoVersion are overridden at
// build time via -ldflags, the way the teacher stamps its binary.
var (
	Version        = "dev"
	Reversion      = "unknown"
	BuildTimestamp = "unknown"
	GoVersion      = "unknown"
)
