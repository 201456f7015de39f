package version

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParse_RoundTrip(t *testing.T) {
	tokens := []string{
		"abc123",
		"0a1b2c3d4e5f60718293a4b5c6d7e8f901234567",
		"v1.0.0-rc.1",
		"x",
	}

	for _, raw := range tokens {
		t.Run(raw, func(t *testing.T) {
			id, err := Parse(raw)
			if err != nil {
				t.Fatalf("Parse(%q): %v", raw, err)
			}
			back, err := Parse(id.String())
			if err != nil {
				t.Fatalf("Parse(String()): %v", err)
			}
			if back != id {
				t.Errorf("round trip: got %q, want %q", back, id)
			}
		})
	}
}

func TestParse_TrailingNewline(t *testing.T) {
	id, err := Parse("abc123\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id != "abc123" {
		t.Errorf("got %q, want %q", id, "abc123")
	}
}

func TestParse_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "only newline", raw: "\n"},
		{name: "embedded space", raw: "abc 123"},
		{name: "embedded tab", raw: "abc\t123"},
		{name: "embedded newline", raw: "abc\n123"},
		{name: "trailing space before newline", raw: "abc123 \n"},
		{name: "carriage return", raw: "abc123\r\n"},
		{name: "two trailing newlines", raw: "abc123\n\n"},
		{name: "leading space", raw: " abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw); !errors.Is(err, ErrCorruptState) {
				t.Errorf("Parse(%q) = %v, want ErrCorruptState", tt.raw, err)
			}
		})
	}
}

func TestStore_ReadMissing(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "ID.txt"))
	if _, err := store.Read(); !errors.Is(err, ErrMissingState) {
		t.Errorf("Read = %v, want ErrMissingState", err)
	}
}

func TestStore_ReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ID.txt")
	if err := os.WriteFile(path, []byte("abc123 \n"), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	if _, err := store.Read(); !errors.Is(err, ErrCorruptState) {
		t.Errorf("Read = %v, want ErrCorruptState", err)
	}
}

func TestStore_WriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ID.txt")
	store := NewStore(path)

	if err := store.Write("def456"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	id, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if id != "def456" {
		t.Errorf("got %q, want %q", id, "def456")
	}

	// Overwrite replaces the whole file.
	if err := store.Write("abc123"); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abc123" {
		t.Errorf("file content = %q, want %q", data, "abc123")
	}
}

func TestStore_WriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "ID.txt"))

	if err := store.Write("abc123"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "ID.txt" {
		t.Errorf("unexpected directory contents: %v", entries)
	}
}
