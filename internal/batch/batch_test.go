package batch

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/marcus/rowsync/internal/crypto"
	"github.com/marcus/rowsync/internal/models"
)

func itemRow(id int) models.Row {
	return models.Row{Values: []any{int64(id), "item", int64(id * 2)}}
}

func buildParts(t *testing.T, info *Info, n int, budget Budget) {
	t.Helper()
	b := NewBuilder(info, budget)
	for i := 1; i <= n; i++ {
		if err := b.Add("item", itemRow(i)); err != nil {
			t.Fatalf("add row %d: %v", i, err)
		}
	}
	if err := b.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func newInfo(t *testing.T, spooled bool) *Info {
	t.Helper()
	dir := ""
	if spooled {
		dir = t.TempDir()
	}
	info, err := NewInfo(dir)
	if err != nil {
		t.Fatalf("new info: %v", err)
	}
	t.Cleanup(func() { info.Close() })
	return info
}

// 250 rows with a budget of 100 yield parts 0..2, only the last flagged.
func TestBuilder_PartsAndLastFlag(t *testing.T) {
	for _, spooled := range []bool{false, true} {
		info := newInfo(t, spooled)
		buildParts(t, info, 250, Budget{MaxRows: 100})

		if got := info.Len(); got != 3 {
			t.Fatalf("spooled=%v parts: got %d, want 3", spooled, got)
		}
		if !info.Complete() {
			t.Fatal("batch should be complete")
		}
		wantRows := []int{100, 100, 50}
		for i := 0; i < 3; i++ {
			p, err := info.LoadPart(i)
			if err != nil {
				t.Fatalf("load part %d: %v", i, err)
			}
			if p.Index != i {
				t.Errorf("part %d index: got %d", i, p.Index)
			}
			if p.IsLast != (i == 2) {
				t.Errorf("part %d is_last: got %v", i, p.IsLast)
			}
			if got := p.RowCount(); got != wantRows[i] {
				t.Errorf("part %d rows: got %d, want %d", i, got, wantRows[i])
			}
		}
	}
}

func TestLoadPart_ReRequestAfterConsumeFails(t *testing.T) {
	info := newInfo(t, true)
	buildParts(t, info, 250, Budget{MaxRows: 100})

	if _, err := info.LoadPart(0); err != nil {
		t.Fatalf("load 0: %v", err)
	}
	if _, err := info.LoadPart(1); err != nil {
		t.Fatalf("load 1: %v", err)
	}
	if _, err := info.LoadPart(1); !errors.Is(err, ErrPartConsumed) {
		t.Fatalf("second load of part 1: got %v, want ErrPartConsumed", err)
	}
	if err := info.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := info.LoadPart(1); !errors.Is(err, ErrPartConsumed) {
		t.Fatalf("load after release: got %v, want ErrPartConsumed", err)
	}
}

func TestLoadPart_OrderEnforced(t *testing.T) {
	info := newInfo(t, false)
	buildParts(t, info, 30, Budget{MaxRows: 10})

	if _, err := info.LoadPart(2); !errors.Is(err, ErrPartOutOfOrder) {
		t.Fatalf("out of order load: got %v", err)
	}
	if _, err := info.LoadPart(7); !errors.Is(err, ErrPartNotFound) {
		t.Fatalf("missing part: got %v", err)
	}
}

func TestRewind(t *testing.T) {
	info := newInfo(t, true)
	buildParts(t, info, 30, Budget{MaxRows: 10})

	info.LoadPart(0)
	info.Release()
	info.LoadPart(1)

	// A rolled back transaction reloads what it consumed since the last release.
	info.Rewind()
	p, err := info.LoadPart(1)
	if err != nil {
		t.Fatalf("load after rewind: %v", err)
	}
	if p.Index != 1 {
		t.Fatalf("index: got %d, want 1", p.Index)
	}
	if _, err := info.LoadPart(0); !errors.Is(err, ErrPartConsumed) {
		t.Fatalf("released part must stay consumed, got %v", err)
	}
}

func TestSpooledPartsArePurged(t *testing.T) {
	info := newInfo(t, true)
	buildParts(t, info, 20, Budget{MaxRows: 10})

	entries, _ := os.ReadDir(info.dir)
	if len(entries) != 2 {
		t.Fatalf("spooled files: got %d, want 2", len(entries))
	}
	if info.SpooledBytes() <= 0 {
		t.Fatal("spooled bytes should be positive")
	}

	p, _ := info.LoadPart(0)
	// Spooled values come back as JSON numbers until coerced by the schema.
	if _, ok := p.Tables[0].Rows[0].Values[0].(json.Number); !ok {
		t.Fatalf("value type: got %T, want json.Number", p.Tables[0].Rows[0].Values[0])
	}
	info.Release()
	entries, _ = os.ReadDir(info.dir)
	if len(entries) != 1 {
		t.Fatalf("files after release: got %d, want 1", len(entries))
	}

	dir := info.dir
	info.Close()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("batch dir should be removed, stat err = %v", err)
	}
}

func TestSpooledPartsAreSealed(t *testing.T) {
	master, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	info := newInfo(t, true)
	if err := info.SetKey(master); err != nil {
		t.Fatalf("set key: %v", err)
	}
	buildParts(t, info, 5, Budget{MaxRows: 10})

	data, err := os.ReadFile(info.parts[0].path)
	if err != nil {
		t.Fatalf("read spool file: %v", err)
	}
	if _, err := snappy.Decode(nil, data); err == nil {
		t.Fatal("sealed part should not decode as plain snappy")
	}

	p, err := info.LoadPart(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.RowCount() != 5 {
		t.Fatalf("rows: got %d, want 5", p.RowCount())
	}
}

func TestSetKeyInMemoryIsNoop(t *testing.T) {
	info := newInfo(t, false)
	if err := info.SetKey([]byte("not a valid key")); err != nil {
		t.Fatalf("in-memory batch: %v", err)
	}
	if info.key != nil {
		t.Fatal("in-memory batch must not hold a key")
	}
}

func TestEmptySelectionYieldsTerminator(t *testing.T) {
	info := newInfo(t, false)
	buildParts(t, info, 0, Budget{MaxRows: 10})

	p, err := info.LoadPart(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.IsLast || p.RowCount() != 0 {
		t.Fatalf("terminator: got last=%v rows=%d", p.IsLast, p.RowCount())
	}
}

func TestAddPart_Sequencing(t *testing.T) {
	info := newInfo(t, false)
	if err := info.AddPart(nil, 1, false); err == nil {
		t.Fatal("expected error for skipped index")
	}
	if err := info.AddPart(nil, 0, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := info.AddPart(nil, 1, true); !errors.Is(err, ErrSealed) {
		t.Fatalf("add after last: got %v", err)
	}
}

func TestBuilder_ByteBudgetAndTableGrouping(t *testing.T) {
	info := newInfo(t, false)
	budget, err := ParseBudget(0, "100B")
	if err != nil {
		t.Fatalf("parse budget: %v", err)
	}
	b := NewBuilder(info, budget)
	for i := 1; i <= 3; i++ {
		b.Add("customer", itemRow(i))
	}
	for i := 1; i <= 3; i++ {
		b.Add("orders", itemRow(i))
	}
	if err := b.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if b.Rows() != 6 || info.RowCount() != 6 {
		t.Fatalf("rows: builder %d, info %d", b.Rows(), info.RowCount())
	}
	if info.Len() < 2 {
		t.Fatalf("byte budget should split parts, got %d", info.Len())
	}

	var tables []string
	for i := 0; i < info.Len(); i++ {
		p, err := info.LoadPart(i)
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		for _, tc := range p.Tables {
			if len(tables) == 0 || tables[len(tables)-1] != tc.Table {
				tables = append(tables, tc.Table)
			}
		}
	}
	if len(tables) != 2 || tables[0] != "customer" || tables[1] != "orders" {
		t.Fatalf("table order across parts: got %v", tables)
	}
}

func TestParseBudget(t *testing.T) {
	b, err := ParseBudget(100, "1MiB")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.MaxRows != 100 || b.MaxBytes != 1<<20 {
		t.Fatalf("budget: got %+v", b)
	}
	if _, err := ParseBudget(10, "lots"); err == nil {
		t.Fatal("expected error for bad size")
	}
}
