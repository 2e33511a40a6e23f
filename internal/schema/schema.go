// Package schema describes the tables, columns, keys and relations that make
// up a sync scope.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// DataType is the storage type of a column.
type DataType string

const (
	TypeInteger DataType = "integer"
	TypeReal    DataType = "real"
	TypeText    DataType = "text"
	TypeBlob    DataType = "blob"
	TypeBoolean DataType = "boolean"
)

// Direction restricts which way a table's changes flow, seen from the local participant.
type Direction string

const (
	Bidirectional Direction = "bidirectional"
	UploadOnly    Direction = "upload_only"
	DownloadOnly  Direction = "download_only"
)

// Uploads reports whether local changes to the table are sent to the remote.
func (d Direction) Uploads() bool {
	return d == "" || d == Bidirectional || d == UploadOnly
}

// Downloads reports whether remote changes to the table are sent to the local participant.
func (d Direction) Downloads() bool {
	return d == "" || d == Bidirectional || d == DownloadOnly
}

// Column is a single synchronized column.
type Column struct {
	Name     string   `json:"name" yaml:"name"`
	Type     DataType `json:"type" yaml:"type"`
	Nullable bool     `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// Relation is a foreign key from a table to a parent table.
type Relation struct {
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`
	Columns       []string `json:"columns" yaml:"columns"`
	ParentTable   string   `json:"parent_table" yaml:"parent_table"`
	ParentColumns []string `json:"parent_columns" yaml:"parent_columns"`
}

// Table is a synchronized table. Column order defines the positional layout of rows.
type Table struct {
	Name       string     `json:"name" yaml:"name"`
	Columns    []Column   `json:"columns" yaml:"columns"`
	PrimaryKey []string   `json:"primary_key" yaml:"primary_key"`
	Relations  []Relation `json:"relations,omitempty" yaml:"relations,omitempty"`
	Direction  Direction  `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// Schema is a named collection of tables synchronized together.
type Schema struct {
	Name   string  `json:"name" yaml:"name"`
	Tables []Table `json:"tables" yaml:"tables"`
}

// validName matches identifiers that are safe to splice into generated SQL.
var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (t *Table) IsPrimaryKey(name string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// PrimaryKeyIndexes returns the column positions of the primary key, in key order.
func (t *Table) PrimaryKeyIndexes() []int {
	idx := make([]int, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		idx[i] = t.ColumnIndex(pk)
	}
	return idx
}

// DataColumns returns the non-key columns in column order.
func (t *Table) DataColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if !t.IsPrimaryKey(c.Name) {
			cols = append(cols, c)
		}
	}
	return cols
}

// KeyColumns returns the primary key columns in key order.
func (t *Table) KeyColumns() []Column {
	cols := make([]Column, 0, len(t.PrimaryKey))
	for _, i := range t.PrimaryKeyIndexes() {
		cols = append(cols, t.Columns[i])
	}
	return cols
}

// Table returns the named table.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Validate checks names, types, keys and relations.
func (s *Schema) Validate() error {
	if len(s.Tables) == 0 {
		return errors.New("schema has no tables")
	}
	seen := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if !validName.MatchString(t.Name) {
			return errors.Newf("invalid table name %q", t.Name)
		}
		if seen[t.Name] {
			return errors.Newf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if err := t.validate(); err != nil {
			return errors.Wrapf(err, "table %s", t.Name)
		}
	}
	for _, t := range s.Tables {
		for _, r := range t.Relations {
			parent, ok := s.Table(r.ParentTable)
			if !ok {
				return errors.Newf("table %s: relation references unknown table %q", t.Name, r.ParentTable)
			}
			if len(r.Columns) == 0 || len(r.Columns) != len(r.ParentColumns) {
				return errors.Newf("table %s: relation to %s has mismatched column lists", t.Name, r.ParentTable)
			}
			for i, c := range r.Columns {
				if t.ColumnIndex(c) < 0 {
					return errors.Newf("table %s: relation column %q not found", t.Name, c)
				}
				if parent.ColumnIndex(r.ParentColumns[i]) < 0 {
					return errors.Newf("table %s: parent column %s.%s not found", t.Name, parent.Name, r.ParentColumns[i])
				}
			}
		}
	}
	return nil
}

func (t *Table) validate() error {
	if len(t.Columns) == 0 {
		return errors.New("no columns")
	}
	if len(t.PrimaryKey) == 0 {
		return errors.New("no primary key")
	}
	switch t.Direction {
	case "", Bidirectional, UploadOnly, DownloadOnly:
	default:
		return errors.Newf("invalid direction %q", t.Direction)
	}
	cols := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !validName.MatchString(c.Name) {
			return errors.Newf("invalid column name %q", c.Name)
		}
		if cols[c.Name] {
			return errors.Newf("duplicate column %q", c.Name)
		}
		cols[c.Name] = true
		switch c.Type {
		case TypeInteger, TypeReal, TypeText, TypeBlob, TypeBoolean:
		default:
			return errors.Newf("column %s: unknown type %q", c.Name, c.Type)
		}
	}
	for _, pk := range t.PrimaryKey {
		i := t.ColumnIndex(pk)
		if i < 0 {
			return errors.Newf("primary key column %q not found", pk)
		}
		if t.Columns[i].Nullable {
			return errors.Newf("primary key column %q must not be nullable", pk)
		}
	}
	return nil
}

// DependencyOrder returns the tables sorted so that every parent precedes its
// children. Tables with no ordering constraint keep their declared order.
// Self references are ignored; any other cycle is an error.
func (s *Schema) DependencyOrder() ([]Table, error) {
	index := make(map[string]int, len(s.Tables))
	for i, t := range s.Tables {
		index[t.Name] = i
	}

	indegree := make([]int, len(s.Tables))
	children := make([][]int, len(s.Tables))
	for i, t := range s.Tables {
		parents := make(map[int]bool)
		for _, r := range t.Relations {
			p, ok := index[r.ParentTable]
			if !ok || p == i || parents[p] {
				continue
			}
			parents[p] = true
			children[p] = append(children[p], i)
			indegree[i]++
		}
	}

	ordered := make([]Table, 0, len(s.Tables))
	done := make([]bool, len(s.Tables))
	for len(ordered) < len(s.Tables) {
		next := -1
		for i := range s.Tables {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cyclic []string
			for i, t := range s.Tables {
				if !done[i] {
					cyclic = append(cyclic, t.Name)
				}
			}
			return nil, errors.Newf("relation cycle between tables: %s", strings.Join(cyclic, ", "))
		}
		done[next] = true
		ordered = append(ordered, s.Tables[next])
		for _, c := range children[next] {
			indegree[c]--
		}
	}
	return ordered, nil
}

// Hash returns a stable digest of the synchronized structure: tables, columns,
// types, keys and relations. Directions are excluded since each side may
// legitimately restrict flow differently.
func (s *Schema) Hash() string {
	tables := make([]Table, len(s.Tables))
	copy(tables, s.Tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	for i := range tables {
		tables[i].Direction = ""
	}
	data, _ := json.Marshal(tables)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two schemas describe the same synchronized structure.
func (s *Schema) Equal(other *Schema) bool {
	return s.Hash() == other.Hash()
}

// Diff lists the differences between s and other, for error reporting.
func (s *Schema) Diff(other *Schema) []string {
	var diffs []string
	for _, t := range s.Tables {
		ot, ok := other.Table(t.Name)
		if !ok {
			diffs = append(diffs, fmt.Sprintf("table %s missing on peer", t.Name))
			continue
		}
		diffs = append(diffs, t.diff(ot)...)
	}
	for _, ot := range other.Tables {
		if _, ok := s.Table(ot.Name); !ok {
			diffs = append(diffs, fmt.Sprintf("table %s missing locally", ot.Name))
		}
	}
	return diffs
}

func (t *Table) diff(o *Table) []string {
	var diffs []string
	for _, c := range t.Columns {
		i := o.ColumnIndex(c.Name)
		switch {
		case i < 0:
			diffs = append(diffs, fmt.Sprintf("%s.%s missing on peer", t.Name, c.Name))
		case o.Columns[i] != c:
			diffs = append(diffs, fmt.Sprintf("%s.%s: %s vs %s", t.Name, c.Name, c.Type, o.Columns[i].Type))
		}
	}
	for _, c := range o.Columns {
		if t.ColumnIndex(c.Name) < 0 {
			diffs = append(diffs, fmt.Sprintf("%s.%s missing locally", t.Name, c.Name))
		}
	}
	if strings.Join(t.PrimaryKey, ",") != strings.Join(o.PrimaryKey, ",") {
		diffs = append(diffs, fmt.Sprintf("%s primary key (%s) vs (%s)", t.Name, strings.Join(t.PrimaryKey, ","), strings.Join(o.PrimaryKey, ",")))
	}
	rel, _ := json.Marshal(t.Relations)
	orel, _ := json.Marshal(o.Relations)
	if string(rel) != string(orel) {
		diffs = append(diffs, fmt.Sprintf("%s relations differ", t.Name))
	}
	// Column order changes the positional row layout.
	if len(diffs) == 0 && len(t.Columns) == len(o.Columns) {
		for i := range t.Columns {
			if t.Columns[i].Name != o.Columns[i].Name {
				diffs = append(diffs, fmt.Sprintf("%s column order differs", t.Name))
				break
			}
		}
	}
	return diffs
}
