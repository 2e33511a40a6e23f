package batch

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/marcus/rowsync/internal/models"
)

// Budget bounds the size of a part. Zero fields are unbounded.
type Budget struct {
	MaxRows  int
	MaxBytes int64
}

// DefaultBudget is used when no budget is configured.
var DefaultBudget = Budget{MaxRows: 500, MaxBytes: 1 << 20}

// ParseBudget builds a budget from a row count and a human readable size
// such as "512KiB" or "2MB". An empty size leaves bytes unbounded.
func ParseBudget(rows int, size string) (Budget, error) {
	if rows < 0 {
		return Budget{}, errors.Newf("batch rows must not be negative, got %d", rows)
	}
	b := Budget{MaxRows: rows}
	if size != "" {
		n, err := humanize.ParseBytes(size)
		if err != nil {
			return Budget{}, errors.Wrapf(err, "parse batch size %q", size)
		}
		b.MaxBytes = int64(n)
	}
	return b, nil
}

func (b Budget) String() string {
	s := "unbounded rows"
	if b.MaxRows > 0 {
		s = humanize.Comma(int64(b.MaxRows)) + " rows"
	}
	if b.MaxBytes > 0 {
		s += ", " + humanize.IBytes(uint64(b.MaxBytes))
	}
	return s
}

// Builder cuts a stream of rows into parts. Rows must arrive grouped by
// table in the order parts should be applied.
type Builder struct {
	info   *Info
	budget Budget
	index  int
	cur    []TableChanges
	rows   int
	bytes  int64
	total  int
}

// NewBuilder writes parts into info.
func NewBuilder(info *Info, budget Budget) *Builder {
	return &Builder{info: info, budget: budget}
}

func (b *Builder) full() bool {
	if b.rows == 0 {
		return false
	}
	if b.budget.MaxRows > 0 && b.rows >= b.budget.MaxRows {
		return true
	}
	return b.budget.MaxBytes > 0 && b.bytes >= b.budget.MaxBytes
}

// Add appends a row. A full part is flushed only once the next row arrives,
// so the final part is always known when it is written.
func (b *Builder) Add(table string, row models.Row) error {
	if b.full() {
		if err := b.flush(false); err != nil {
			return err
		}
	}
	size, err := json.Marshal(row)
	if err != nil {
		return errors.Wrapf(err, "size row of %s", table)
	}
	if n := len(b.cur); n == 0 || b.cur[n-1].Table != table {
		b.cur = append(b.cur, TableChanges{Table: table})
	}
	last := &b.cur[len(b.cur)-1]
	last.Rows = append(last.Rows, row)
	b.rows++
	b.total++
	b.bytes += int64(len(size))
	return nil
}

// Finish writes the final part. An empty change set still produces one
// empty last part so receivers always see a terminator.
func (b *Builder) Finish() error {
	return b.flush(true)
}

// Rows returns the number of rows added.
func (b *Builder) Rows() int { return b.total }

func (b *Builder) flush(last bool) error {
	if err := b.info.AddPart(b.cur, b.index, last); err != nil {
		return err
	}
	b.index++
	b.cur = nil
	b.rows = 0
	b.bytes = 0
	return nil
}
