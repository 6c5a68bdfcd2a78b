/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package devctl

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Reader is the byte source an EventBuffer frames into lines: whatever
// data is currently available, non-blockingly. The out-of-scope
// transport (spec §1) is expected to wrap a socket this way.
type Reader interface {
	// Available returns the number of bytes that can be Read without
	// blocking.
	Available() (int, error)
	// Read copies up to len(p) bytes into p. It must not block past
	// what Available() promised.
	Read(p []byte) (int, error)
}

// eventStartTokens are the four devctl header characters (spec §3).
const eventStartTokens = "!?+-"

// keyPairSepTokens terminate a key=value pair (spec §4.2).
const keyPairSepTokens = " \t\n"

// BufferOptions configures an EventBuffer's sizing, matching the
// tunables spec §6 names.
type BufferOptions struct {
	Capacity     int // minimum 64 KiB
	MaxEventSize int // minimum 8 KiB
	MinEventSize int // minimum 64 B
	MaxReadSize  int // defaults to Capacity

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (o *BufferOptions) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 64 * 1024
	}
	if o.MaxEventSize <= 0 {
		o.MaxEventSize = 8 * 1024
	}
	if o.MinEventSize <= 0 {
		o.MinEventSize = 64
	}
	if o.MaxReadSize <= 0 {
		o.MaxReadSize = o.Capacity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// EventBuffer is a framed reader over a byte stream: it compacts,
// fills, and extracts one raw event line at a time, resynchronising
// after a truncated (over-long) line and injecting a timestamp field
// when the wire line lacks one (spec §4.1).
type EventBuffer struct {
	reader Reader
	opts   BufferOptions

	buf            []byte
	validLen       int
	parsedLen      int
	nextEventStart int
	synchronized   bool
}

// NewEventBuffer constructs a buffer over reader with the given sizing.
func NewEventBuffer(reader Reader, opts BufferOptions) *EventBuffer {
	opts.setDefaults()
	return &EventBuffer{
		reader:       reader,
		opts:         opts,
		buf:          make([]byte, opts.MaxReadSize),
		synchronized: true,
	}
}

// ExtractEvent returns the next complete raw event line (including its
// terminating newline and, if the wire line lacked one, an injected
// "timestamp=<unix-seconds>" field), or ok=false if no complete event is
// currently available. A non-nil error is fatal to the reader (spec §7:
// "Transient transport ... retry silently" is the Reader implementation's
// job, not this layer's - by the time Read returns an error here it is
// not retryable).
func (b *EventBuffer) ExtractEvent() (event string, ok bool, err error) {
	for {
		if b.validLen-b.parsedLen <= 0 {
			filled, ferr := b.fill()
			if ferr != nil {
				return "", false, ferr
			}
			if !filled {
				return "", false, nil
			}
			continue
		}

		if b.validLen-b.nextEventStart < b.opts.MinEventSize {
			b.parsedLen = b.validLen
			filled, ferr := b.fill()
			if ferr != nil {
				return "", false, ferr
			}
			if !filled {
				return "", false, nil
			}
			continue
		}

		next := b.buf[b.nextEventStart:b.validLen]
		nlIdx := bytes.IndexByte(next, '\n')

		if !b.synchronized {
			discard := len(next)
			resync := false
			if nlIdx >= 0 {
				discard = nlIdx + 1
				resync = true
			}
			b.nextEventStart += discard
			b.parsedLen = b.nextEventStart
			if resync {
				b.synchronized = true
			}
			continue
		}

		var eventLen int
		truncated := false
		switch {
		case nlIdx >= 0 && nlIdx < b.opts.MaxEventSize:
			eventLen = nlIdx + 1
		case len(next) < b.opts.MaxEventSize:
			b.parsedLen = b.validLen
			continue
		default:
			eventLen = b.opts.MaxEventSize
			truncated = true
		}

		line := string(next[:eventLen])
		b.nextEventStart += eventLen
		b.parsedLen = b.nextEventStart

		if truncated {
			original := eventLen
			trimmed := strings.TrimRight(line, "\n")
			if cut := strings.LastIndexAny(trimmed, keyPairSepTokens); cut >= 0 {
				trimmed = trimmed[:cut]
			}
			line = trimmed + "\n"
			b.synchronized = false
			logrus.Warnf("devctl: truncated %d characters from an over-long event", original-len(line))
		}

		if !strings.Contains(line, "timestamp=") {
			line = injectTimestamp(line, b.opts.Now())
		}

		return line, true, nil
	}
}

func injectTimestamp(line string, now time.Time) string {
	end := strings.LastIndexFunc(line, func(r rune) bool { return r != '\n' }) + 1
	return line[:end] + " timestamp=" + strconv.FormatInt(now.Unix(), 10) + line[end:]
}

// fill compacts the buffer and reads whatever is currently available.
// It returns false with a nil error when there is nothing to read right
// now (the caller should stop trying until woken again), and a non-nil
// error only for a fatal read failure.
func (b *EventBuffer) fill() (bool, error) {
	if b.nextEventStart != 0 {
		copy(b.buf, b.buf[b.nextEventStart:b.validLen])
		b.validLen -= b.nextEventStart
		b.parsedLen -= b.nextEventStart
		b.nextEventStart = 0
	}

	avail, err := b.reader.Available()
	if err != nil {
		return false, errors.Wrap(err, "devctl: checking transport for available bytes")
	}
	if avail <= 0 {
		return false, nil
	}

	want := avail
	if room := len(b.buf) - b.validLen; want > room {
		want = room
	}
	if want <= 0 {
		return false, nil
	}

	n, err := b.reader.Read(b.buf[b.validLen : b.validLen+want])
	if err != nil {
		return false, errors.Wrap(err, "devctl: reading from transport")
	}

	b.validLen += n
	return n > 0, nil
}
