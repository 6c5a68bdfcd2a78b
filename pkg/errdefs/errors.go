/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a pool, vdev, or case file identity
	// does not exist where the caller expected one.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a case file already exists for
	// an identity that the caller tried to create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidArgument flags a malformed caller argument.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrVdevGone marks a pool or vdev that has left the current
	// topology. Pool View lookups report absence with a boolean, not
	// with this error.
	ErrVdevGone = errors.New("pool or vdev no longer present")
)

// IsNotFound returns true if the error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error is or wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsVdevGone returns true if the error is or wraps ErrVdevGone.
func IsVdevGone(err error) bool {
	return errors.Is(err, ErrVdevGone)
}

// IsConnectionClosed reports whether err indicates the transport's peer
// closed or reset the connection, the signal that triggers reconnect and
// missed-event detection in the event loop.
func IsConnectionClosed(err error) bool {
	switch err := err.(type) {
	case *net.OpError:
		return strings.Contains(err.Err.Error(), "use of closed network connection") ||
			strings.Contains(err.Err.Error(), "connection reset by peer")
	default:
		return false
	}
}
