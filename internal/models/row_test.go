package models

import "testing"

func TestRowSameState(t *testing.T) {
	pk := []int{0}
	a := Row{Values: []any{int64(1), "a", int64(5)}}
	b := Row{Values: []any{int64(1), "a", int64(5)}}
	if !a.SameState(b, pk) {
		t.Fatal("identical rows should have the same state")
	}
	b.Values[2] = int64(6)
	if a.SameState(b, pk) {
		t.Fatal("rows with different values should differ")
	}

	// Tombstones only compare keys.
	ta := Row{Values: []any{int64(1), nil, nil}, Tombstone: true}
	tb := Row{Values: []any{int64(1), "stale", int64(5)}, Tombstone: true}
	if !ta.SameState(tb, pk) {
		t.Fatal("tombstones with equal keys should have the same state")
	}
	if ta.SameState(a, pk) {
		t.Fatal("tombstone and live row should differ")
	}
}

func TestValuesEqual_Bytes(t *testing.T) {
	if !ValuesEqual([]any{[]byte("x"), nil}, []any{[]byte("x"), nil}) {
		t.Fatal("equal blobs should compare equal")
	}
	if ValuesEqual([]any{[]byte("x")}, []any{"x"}) {
		t.Fatal("blob and text should not compare equal")
	}
}

func TestRowClone(t *testing.T) {
	r := Row{Values: []any{int64(1), []byte("abc")}}
	c := r.Clone()
	c.Values[1].([]byte)[0] = 'z'
	if string(r.Values[1].([]byte)) != "abc" {
		t.Fatal("clone shares blob storage with the original")
	}
}

func TestClassifyConflict(t *testing.T) {
	live := TrackedRow{Row: Row{Values: []any{int64(1)}}, Exists: true}
	dead := TrackedRow{Row: Row{Values: []any{int64(1)}, Tombstone: true}, Exists: true}
	upsert := Row{Values: []any{int64(1)}}
	del := Row{Values: []any{int64(1)}, Tombstone: true}

	tests := []struct {
		local  TrackedRow
		remote Row
		want   ConflictType
	}{
		{live, upsert, RemoteExistsLocalExists},
		{dead, upsert, RemoteExistsLocalIsDeleted},
		{live, del, RemoteIsDeletedLocalExists},
		{dead, del, RemoteIsDeletedLocalIsDeleted},
		{TrackedRow{}, upsert, RemoteExistsLocalNotExists},
	}
	for _, tc := range tests {
		if got := ClassifyConflict(tc.local, tc.remote); got != tc.want {
			t.Errorf("classify: got %s, want %s", got, tc.want)
		}
	}
}
