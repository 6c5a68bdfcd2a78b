/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package devctl

import "strings"

// ParseErrorKind classifies why Parse rejected a line (spec "Event
// Record & Parser").
type ParseErrorKind int

const (
	// InvalidFormat covers malformed positional fields or a stray '='.
	InvalidFormat ParseErrorKind = iota
	// UnknownEventType means the header byte wasn't one of ! ? + -.
	UnknownEventType
	// DiscardedEventType is NOMATCH: the parser deliberately rejects it
	// and the caller drops it silently.
	DiscardedEventType
)

func (k ParseErrorKind) String() string {
	switch k {
	case InvalidFormat:
		return "invalid format"
	case UnknownEventType:
		return "unknown event type"
	case DiscardedEventType:
		return "discarded event type"
	default:
		return "unknown parse error"
	}
}

// ParseError reports why a line failed to parse into an Event.
type ParseError struct {
	Kind ParseErrorKind
	Line string
}

func (e *ParseError) Error() string {
	return e.Kind.String() + ": " + strings.TrimRight(e.Line, "\n")
}

const whitespace = " \t\n"

// Parse is the pure function from a raw devctl line (including its
// trailing newline, as produced by EventBuffer.ExtractEvent) to an
// Event. ATTACH/DETACH lines carry positional "device-name" and
// "parent" fields ahead of the generic key=value pairs; all four types
// share the key=value scan. Missing "system=" is normalized to
// "system=none" (spec §4.2).
func Parse(line string) (*Event, error) {
	if len(line) == 0 {
		return nil, &ParseError{Kind: InvalidFormat, Line: line}
	}

	typ := Type(line[0])
	kv := NewKVMap()

	pos := 1
	switch typ {
	case TypeAttach, TypeDetach:
		end := strings.IndexAny(line[pos:], whitespace)
		if end == -1 {
			return nil, &ParseError{Kind: InvalidFormat, Line: line}
		}
		end += pos
		kv.Set("device-name", line[pos:end])

		onIdx := strings.Index(line[end:], " on ")
		if onIdx == -1 {
			return nil, &ParseError{Kind: InvalidFormat, Line: line}
		}
		start := end + onIdx + len(" on ")
		parentEnd := strings.IndexAny(line[start:], whitespace)
		if parentEnd == -1 {
			kv.Set("parent", line[start:])
		} else {
			kv.Set("parent", line[start:start+parentEnd])
		}
	case TypeNotify:
		// No positional fields.
	case TypeNomatch:
		return nil, &ParseError{Kind: DiscardedEventType, Line: line}
	default:
		return nil, &ParseError{Kind: UnknownEventType, Line: line}
	}

	// The generic key=value scan always starts at offset 1 (just past
	// the header byte), re-scanning over any positional fields above -
	// they contain no '=' so the scan passes through them harmlessly.
	if err := parseKeyValuePairs(line, 1, kv); err != nil {
		return nil, err
	}

	if !kv.Contains("system") {
		kv.Set("system", "none")
	}

	return &Event{Type: typ, KV: kv, Raw: line}, nil
}

// parseKeyValuePairs scans "key=value" pairs separated by whitespace,
// starting from start. A key begins immediately after whitespace or a
// '!'; a key with neither before it is InvalidFormat. A value ends at
// the next whitespace or end of line.
func parseKeyValuePairs(line string, start int, kv *KVMap) error {
	for pos := start; pos < len(line); {
		eq := strings.IndexByte(line[pos:], '=')
		if eq == -1 {
			break
		}
		eq += pos

		keyStart := strings.LastIndexAny(line[:eq], "!"+whitespace)
		if keyStart == -1 {
			return &ParseError{Kind: InvalidFormat, Line: line}
		}
		keyStart++
		key := line[keyStart:eq]

		valStart := eq + 1
		if valStart >= len(line) {
			return &ParseError{Kind: InvalidFormat, Line: line}
		}
		valEnd := strings.IndexAny(line[valStart:], whitespace)
		if valEnd == -1 {
			valEnd = len(line)
		} else {
			valEnd += valStart
		}
		kv.Set(key, line[valStart:valEnd])

		pos = valEnd + 1
	}
	return nil
}
