// Package position defines comparable markers for points in a source's
// change stream or snapshot scan. Positions are opaque to the pipeline
// core: it only needs equality, total ordering within one sub-stream,
// and a stable text form for checkpoint persistence.
package position

import (
	"fmt"
	"strconv"
	"strings"
)

// Position marks a point in a source stream. Implementations must be
// immutable and comparable within their own kind; the engine never
// mixes kinds within one sub-stream.
type Position interface {
	// Kind identifies the position family (log, lsn, keyrange, none).
	Kind() string
	// Compare returns -1, 0 or 1. Comparing positions of different
	// kinds returns 0 with ok=false.
	Compare(other Position) (cmp int, ok bool)
	// Encode returns the persisted text form, decodable by Decode.
	Encode() string
	// String returns a human-readable form for logs.
	String() string
}

const (
	kindNone     = "none"
	kindLog      = "log"
	kindLSN      = "lsn"
	kindKeyRange = "keyrange"
)

// None is the zero position, ordered before every other position of
// any kind. Tasks with no stored checkpoint resume from None.
var None Position = nonePos{}

type nonePos struct{}

func (nonePos) Kind() string { return kindNone }

func (nonePos) Compare(other Position) (int, bool) {
	if _, isNone := other.(nonePos); isNone {
		return 0, true
	}
	return -1, true
}

func (nonePos) Encode() string { return kindNone + ":" }
func (nonePos) String() string { return "<none>" }

// Log is a binlog-style position: an offset within a named log file.
// Files are assumed to sort lexicographically in rotation order, which
// holds for mysql-bin.000001 style names.
type Log struct {
	File   string
	Offset uint64
}

func (p Log) Kind() string { return kindLog }

func (p Log) Compare(other Position) (int, bool) {
	o, isLog := other.(Log)
	if !isLog {
		if _, isNone := other.(nonePos); isNone {
			return 1, true
		}
		return 0, false
	}
	if p.File != o.File {
		if p.File < o.File {
			return -1, true
		}
		return 1, true
	}
	switch {
	case p.Offset < o.Offset:
		return -1, true
	case p.Offset > o.Offset:
		return 1, true
	}
	return 0, true
}

func (p Log) Encode() string {
	return fmt.Sprintf("%s:%s@%d", kindLog, p.File, p.Offset)
}

func (p Log) String() string {
	return fmt.Sprintf("%s@%d", p.File, p.Offset)
}

// LSN is a WAL-style position: a single monotonically increasing
// log sequence number.
type LSN struct {
	Value uint64
}

func (p LSN) Kind() string { return kindLSN }

func (p LSN) Compare(other Position) (int, bool) {
	o, isLSN := other.(LSN)
	if !isLSN {
		if _, isNone := other.(nonePos); isNone {
			return 1, true
		}
		return 0, false
	}
	switch {
	case p.Value < o.Value:
		return -1, true
	case p.Value > o.Value:
		return 1, true
	}
	return 0, true
}

func (p LSN) Encode() string {
	return fmt.Sprintf("%s:%d", kindLSN, p.Value)
}

func (p LSN) String() string {
	return fmt.Sprintf("lsn/%d", p.Value)
}

// KeyRange is a snapshot scan cursor: the last primary key emitted for
// a table. Done marks the end of the table's scan and orders after any
// in-progress cursor for the same table.
type KeyRange struct {
	Table  string
	Cursor string
	Done   bool
}

func (p KeyRange) Kind() string { return kindKeyRange }

func (p KeyRange) Compare(other Position) (int, bool) {
	o, isKR := other.(KeyRange)
	if !isKR {
		if _, isNone := other.(nonePos); isNone {
			return 1, true
		}
		return 0, false
	}
	if p.Table != o.Table {
		if p.Table < o.Table {
			return -1, true
		}
		return 1, true
	}
	if p.Done != o.Done {
		if p.Done {
			return 1, true
		}
		return -1, true
	}
	return compareCursor(p.Cursor, o.Cursor), true
}

// compareCursor orders scan cursors. Cursors taken from numeric key
// columns must order numerically ("9" before "10"), so both sides are
// compared as integers when they parse; everything else falls back to
// the lexicographic order the scan query itself used.
func compareCursor(a, b string) int {
	if a == b {
		return 0
	}
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func (p KeyRange) Encode() string {
	done := "0"
	if p.Done {
		done = "1"
	}
	return fmt.Sprintf("%s:%s|%s|%s", kindKeyRange, p.Table, done, p.Cursor)
}

func (p KeyRange) String() string {
	if p.Done {
		return fmt.Sprintf("%s/<done>", p.Table)
	}
	return fmt.Sprintf("%s/%s", p.Table, p.Cursor)
}

// Decode parses the text form produced by Encode.
func Decode(s string) (Position, error) {
	kind, payload, found := strings.Cut(s, ":")
	if !found {
		return nil, fmt.Errorf("malformed position %q", s)
	}

	switch kind {
	case kindNone:
		return None, nil

	case kindLog:
		file, offset, ok := strings.Cut(payload, "@")
		if !ok {
			return nil, fmt.Errorf("malformed log position %q", s)
		}
		off, err := strconv.ParseUint(offset, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed log offset %q: %w", offset, err)
		}
		return Log{File: file, Offset: off}, nil

	case kindLSN:
		v, err := strconv.ParseUint(payload, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed lsn %q: %w", payload, err)
		}
		return LSN{Value: v}, nil

	case kindKeyRange:
		parts := strings.SplitN(payload, "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed keyrange position %q", s)
		}
		return KeyRange{Table: parts[0], Done: parts[1] == "1", Cursor: parts[2]}, nil
	}

	return nil, fmt.Errorf("unknown position kind %q", kind)
}

// Less reports whether a orders strictly before b. Positions of
// different kinds never order before each other.
func Less(a, b Position) bool {
	cmp, ok := a.Compare(b)
	return ok && cmp < 0
}

// Max returns the later of a and b, preferring a on ties or when the
// two are not comparable.
func Max(a, b Position) Position {
	if Less(a, b) {
		return b
	}
	return a
}
