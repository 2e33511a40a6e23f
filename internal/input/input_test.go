package input

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("\n  secret-from-file \nignored\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in    string
		stdin string
		want  string
	}{
		{"plain", "", "plain"},
		{"-", "\nfrom-stdin\n", "from-stdin"},
		{"@" + path, "", "secret-from-file"},
	}
	for _, tt := range tests {
		got, err := Value(tt.in, strings.NewReader(tt.stdin))
		if err != nil {
			t.Fatalf("Value(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Value(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValueErrors(t *testing.T) {
	if _, err := Value("-", strings.NewReader("\n\n")); err == nil {
		t.Error("empty stdin: expected error")
	}
	if _, err := Value("@"+filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestExpandValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scopes")
	if err := os.WriteFile(path, []byte("orders\nusers\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := ExpandValues([]string{"notes", "@" + path, "-"}, strings.NewReader("billing\n"))
	if err != nil {
		t.Fatalf("ExpandValues: %v", err)
	}
	want := []string{"notes", "orders", "users", "billing"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := ExpandValues([]string{"-", "-"}, strings.NewReader("a\n")); err == nil {
		t.Error("stdin twice: expected error")
	}
}
