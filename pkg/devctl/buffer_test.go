/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package devctl

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader is an in-memory Reader double: it hands out whatever is
// left in its buffer without blocking, the way a non-blocking socket
// read would behave once primed by poll().
type fakeReader struct {
	data []byte
}

func (r *fakeReader) Available() (int, error) {
	return len(r.data), nil
}

func (r *fakeReader) Read(p []byte) (int, error) {
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestExtractEventBasic(t *testing.T) {
	r := &fakeReader{data: []byte("!class=ereport.fs.zfs.io timestamp=42\n")}
	buf := NewEventBuffer(r, BufferOptions{MinEventSize: 16, Now: fixedClock(100)})

	line, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "!class=ereport.fs.zfs.io timestamp=42\n", line)

	_, ok, err = buf.ExtractEvent()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractEventInjectsTimestamp(t *testing.T) {
	r := &fakeReader{data: []byte("!class=ereport.fs.zfs.io\n")}
	buf := NewEventBuffer(r, BufferOptions{MinEventSize: 16, Now: fixedClock(12345)})

	line, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "!class=ereport.fs.zfs.io timestamp=12345\n", line)
}

func TestExtractEventMultipleLines(t *testing.T) {
	r := &fakeReader{data: []byte("!a=1 timestamp=1\n!b=2 timestamp=2\n")}
	buf := NewEventBuffer(r, BufferOptions{MinEventSize: 16, Now: fixedClock(9)})

	line1, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "!a=1 timestamp=1\n", line1)

	line2, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "!b=2 timestamp=2\n", line2)
}

func TestExtractEventTruncatesOverlongLineAndResyncs(t *testing.T) {
	// Build a line far longer than MaxEventSize with no newline inside its
	// first MaxEventSize bytes, followed by a normal, well-formed line.
	long := "!class=ereport.fs.zfs.io " + strings.Repeat("k=v ", 200) + "tail=1\n"
	good := "!class=ereport.fs.zfs.checksum timestamp=7\n"
	r := &fakeReader{data: []byte(long + good)}
	buf := NewEventBuffer(r, BufferOptions{MaxEventSize: 64, MinEventSize: 16, Now: fixedClock(1)})

	line, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.LessOrEqual(t, len(line), 64+32)

	line2, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, good, line2)
}

func TestExtractEventNoDataReturnsFalse(t *testing.T) {
	r := &fakeReader{}
	buf := NewEventBuffer(r, BufferOptions{})
	_, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractEventWaitsForMinEventSize(t *testing.T) {
	r := &fakeReader{data: []byte("!a")}
	buf := NewEventBuffer(r, BufferOptions{MinEventSize: 64, Now: fixedClock(1)})
	_, ok, err := buf.ExtractEvent()
	require.NoError(t, err)
	assert.False(t, ok)
}
