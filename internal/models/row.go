package models

import (
	"bytes"
	"fmt"
	"strings"
)

// Row is one logical row state: values aligned to the table's column order,
// plus a tombstone marker. Tombstones carry primary key values only.
type Row struct {
	Values    []any `json:"values"`
	Tombstone bool  `json:"tombstone,omitempty"`
}

// TrackedRow is a stored row together with its tracking metadata.
type TrackedRow struct {
	Row
	Timestamp int64
	WriterID  string // empty when the participant itself wrote the row
	// Exists is false when neither a base row nor tracking metadata is stored.
	Exists bool
}

// Clone returns a copy that shares no value slices with r.
func (r Row) Clone() Row {
	vals := make([]any, len(r.Values))
	for i, v := range r.Values {
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		vals[i] = v
	}
	return Row{Values: vals, Tombstone: r.Tombstone}
}

// Key picks the values at the given positions.
func (r Row) Key(positions []int) []any {
	key := make([]any, len(positions))
	for i, p := range positions {
		key[i] = r.Values[p]
	}
	return key
}

// SameState reports whether two rows describe the same logical state: both
// deleted with equal keys, or both live with equal values.
func (r Row) SameState(other Row, keyPositions []int) bool {
	if r.Tombstone != other.Tombstone {
		return false
	}
	if r.Tombstone {
		return ValuesEqual(r.Key(keyPositions), other.Key(keyPositions))
	}
	return ValuesEqual(r.Values, other.Values)
}

func (r Row) String() string {
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		if b, ok := v.([]byte); ok {
			parts[i] = fmt.Sprintf("<%d bytes>", len(b))
			continue
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	s := "(" + strings.Join(parts, ", ") + ")"
	if r.Tombstone {
		s += " deleted"
	}
	return s
}

// ValuesEqual compares two coerced value lists.
func ValuesEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		return aok && bok && bytes.Equal(ab, bb)
	}
	return a == b
}
