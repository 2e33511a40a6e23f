// Package batch splits change sets into ordered parts that can be transferred
// and applied independently, held in memory or spooled to disk.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/marcus/rowsync/internal/crypto"
	"github.com/marcus/rowsync/internal/models"
)

var (
	ErrPartConsumed   = errors.New("batch part already consumed")
	ErrPartNotFound   = errors.New("batch part not found")
	ErrPartOutOfOrder = errors.New("batch part requested out of order")
	ErrSealed         = errors.New("batch already has its last part")
	ErrClosed         = errors.New("batch closed")
)

// TableChanges holds the rows of one table inside a part.
type TableChanges struct {
	Table string       `json:"table"`
	Rows  []models.Row `json:"rows"`
}

// Part is one bounded chunk of a change set.
type Part struct {
	Index  int            `json:"index"`
	IsLast bool           `json:"is_last"`
	Tables []TableChanges `json:"tables"`
}

// RowCount returns the number of rows across all tables of the part.
func (p *Part) RowCount() int {
	n := 0
	for _, tc := range p.Tables {
		n += len(tc.Rows)
	}
	return n
}

type slot struct {
	part *Part  // in-memory mode
	path string // spooled mode
	rows int
	size int64
}

// Info is an ordered sequence of parts. Producers call AddPart with
// consecutive indexes; consumers call LoadPart in index order, exactly once
// per index. Consumed parts are purged by Release once the consumer's
// transaction committed, or made loadable again by Rewind after a rollback.
type Info struct {
	mu       sync.Mutex
	dir      string
	parts    []slot
	sealed   bool
	next     int
	released int
	closed   bool
	// key seals spooled parts; nil writes them in the clear.
	key []byte
}

// NewInfo creates an empty batch. An empty spoolDir keeps parts in memory;
// otherwise parts are written to a fresh directory under spoolDir.
func NewInfo(spoolDir string) (*Info, error) {
	b := &Info{}
	if spoolDir != "" {
		if err := os.MkdirAll(spoolDir, 0755); err != nil {
			return nil, errors.Wrap(err, "create spool dir")
		}
		dir, err := os.MkdirTemp(spoolDir, "batch-")
		if err != nil {
			return nil, errors.Wrap(err, "create batch dir")
		}
		b.dir = dir
	}
	return b, nil
}

// SetKey encrypts parts spooled from now on with a key derived from master
// for this batch. It is a no-op for in-memory batches or an empty master.
func (b *Info) SetKey(master []byte) error {
	if b.dir == "" || len(master) == 0 {
		return nil
	}
	key, err := crypto.DeriveKey(master, filepath.Base(b.dir))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.key = key
	b.mu.Unlock()
	return nil
}

// InMemory reports whether parts are kept in memory.
func (b *Info) InMemory() bool { return b.dir == "" }

// AddPart appends a part. index must equal the number of parts already added.
func (b *Info) AddPart(tables []TableChanges, index int, isLast bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.sealed {
		return errors.Wrapf(ErrSealed, "add part %d", index)
	}
	if index != len(b.parts) {
		return errors.Newf("add part %d: expected index %d", index, len(b.parts))
	}

	part := &Part{Index: index, IsLast: isLast, Tables: tables}
	s := slot{rows: part.RowCount()}
	if b.dir == "" {
		s.part = part
	} else {
		data, err := json.Marshal(part)
		if err != nil {
			return errors.Wrapf(err, "encode part %d", index)
		}
		enc := snappy.Encode(nil, data)
		if b.key != nil {
			if enc, err = crypto.Encrypt(b.key, enc); err != nil {
				return errors.Wrapf(err, "seal part %d", index)
			}
		}
		s.path = filepath.Join(b.dir, fmt.Sprintf("part-%05d.snappy", index))
		if err := os.WriteFile(s.path, enc, 0600); err != nil {
			return errors.Wrapf(err, "spool part %d", index)
		}
		s.size = int64(len(enc))
	}
	b.parts = append(b.parts, s)
	b.sealed = isLast
	slog.Debug("batch part added", "index", index, "rows", s.rows, "last", isLast, "spooled", b.dir != "")
	return nil
}

// LoadPart returns the part at index. Parts must be loaded in index order;
// a part that was already loaded is never served twice.
func (b *Info) LoadPart(index int) (*Part, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	switch {
	case index < 0 || index >= len(b.parts):
		return nil, errors.Wrapf(ErrPartNotFound, "part %d of %d", index, len(b.parts))
	case index < b.next:
		return nil, errors.Wrapf(ErrPartConsumed, "part %d", index)
	case index > b.next:
		return nil, errors.Wrapf(ErrPartOutOfOrder, "part %d requested, next is %d", index, b.next)
	}

	s := b.parts[index]
	part := s.part
	if part == nil {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, errors.Wrapf(err, "read part %d", index)
		}
		if b.key != nil {
			if data, err = crypto.Decrypt(b.key, data); err != nil {
				return nil, errors.Wrapf(err, "open part %d", index)
			}
		}
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress part %d", index)
		}
		part = &Part{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(part); err != nil {
			return nil, errors.Wrapf(err, "decode part %d", index)
		}
	}
	b.next++
	return part, nil
}

// Release purges every part loaded so far. Released parts cannot be rewound.
func (b *Info) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := b.released; i < b.next; i++ {
		if err := b.purge(i); err != nil {
			return err
		}
	}
	b.released = b.next
	return nil
}

// Rewind makes the parts loaded since the last Release loadable again.
func (b *Info) Rewind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = b.released
}

func (b *Info) purge(i int) error {
	s := &b.parts[i]
	s.part = nil
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "purge part %d", i)
		}
		s.path = ""
	}
	return nil
}

// Len returns the number of parts added so far.
func (b *Info) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parts)
}

// Complete reports whether the last part has been added.
func (b *Info) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// RowCount returns the number of rows across all parts.
func (b *Info) RowCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.parts {
		n += s.rows
	}
	return n
}

// SpooledBytes returns the compressed size of all spooled parts.
func (b *Info) SpooledBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, s := range b.parts {
		n += s.size
	}
	return n
}

// Close discards all parts and removes spooled data. It is safe to call more than once.
func (b *Info) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.parts = nil
	if b.dir != "" {
		return os.RemoveAll(b.dir)
	}
	return nil
}
