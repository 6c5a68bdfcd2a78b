/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package zfsd

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Transport is the kernel event connection: a devctl.Reader that can
// also be polled for pending data with a timeout (spec §4.7's
// EventsPending primitive, reintroduced per SPEC_FULL.md §5.1) and
// closed on reconnect.
type Transport interface {
	Available() (int, error)
	Read(p []byte) (int, error)
	// Pending reports whether any bytes are currently waiting without
	// consuming them, honoring ctx's deadline as the zero-timeout poll
	// the original used during Missed-Event Detection's settle loop.
	Pending(ctx context.Context) (bool, error)
	Close() error
}

// UnixTransport wraps a unix domain stream socket (spec §6 "a local
// stream socket"). Available never waits, and Read waits at most 10ms
// for data that is not already here before returning 0.
type UnixTransport struct {
	conn net.Conn
}

// DialUnix connects to the devd-equivalent control socket at path.
func DialUnix(path string) (*UnixTransport, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to transport socket %s", path)
	}
	return &UnixTransport{conn: conn}, nil
}

func (t *UnixTransport) Available() (int, error) {
	// A stream socket has no portable FIONREAD in net.Conn; Pending and
	// a short read-deadline stand in for it; Available optimistically
	// reports "something" so EventBuffer.fill always attempts a Read,
	// which returns 0 once its own 10ms read deadline lapses.
	return 1, nil
}

func (t *UnixTransport) Read(p []byte) (int, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	n, err := t.conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (t *UnixTransport) Pending(ctx context.Context) (bool, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now()
	}
	_ = t.conn.SetReadDeadline(deadline)
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()

	one := make([]byte, 1)
	n, err := t.conn.Read(one)
	if n > 0 {
		// Peek isn't available on a plain net.Conn; Pending is only
		// used during the settle loop where consuming a byte early is
		// harmless because the caller reconnects/reprocesses from
		// scratch regardless (spec §4.7 step 4 restarts from step 1).
		return true, nil
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	return false, nil
}

func (t *UnixTransport) Close() error {
	return t.conn.Close()
}
