package version

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrCorruptState indicates the persisted version token is malformed.
	// Corrupt state is never repaired automatically; the user must restore
	// the file from a fresh download.
	ErrCorruptState = errors.New("corrupt version state")

	// ErrMissingState indicates the version file does not exist.
	ErrMissingState = errors.New("missing version state")
)

// Identifier is an opaque token identifying one state of the remote source
// tree (the commit hash at the tip of the tracked branch). Immutable once
// produced; the remote is the source of truth for its shape.
type Identifier string

// Parse validates a raw token read from disk or from the remote. A single
// trailing newline is tolerated; after that the token must be non-empty and
// free of any whitespace. No other normalization is performed.
func Parse(raw string) (Identifier, error) {
	s := strings.TrimSuffix(raw, "\n")
	if s == "" {
		return "", fmt.Errorf("%w: empty token", ErrCorruptState)
	}
	if strings.ContainsAny(s, " \t\r\n\v\f") {
		return "", fmt.Errorf("%w: token contains whitespace", ErrCorruptState)
	}
	return Identifier(s), nil
}

// String returns the raw on-disk form of the identifier. It is the inverse
// of Parse: Parse(id.String()) == id for every valid identifier.
func (id Identifier) String() string {
	return string(id)
}

// Store reads and writes the single persisted identifier. The file holds
// exactly one line of text and is always replaced wholesale.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Read loads and validates the persisted identifier.
func (s *Store) Read() (Identifier, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMissingState, s.path)
		}
		return "", fmt.Errorf("failed to read version file %s: %w", s.path, err)
	}

	id, err := Parse(string(data))
	if err != nil {
		return "", fmt.Errorf("version file %s: %w", s.path, err)
	}
	return id, nil
}

// Write replaces the file's contents with the identifier. The new content is
// written to a temp file, flushed to stable storage and renamed over the
// target, so a restart after power loss or on a cloud-sync mount observes
// either the old value or the complete new one, never a partial write.
func (s *Store) Write(id Identifier) error {
	dir := filepath.Dir(s.path)

	tmpFile, err := os.CreateTemp(dir, ".appsyncd-version-*")
	if err != nil {
		return fmt.Errorf("failed to create temp version file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.WriteString(id.String()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write version file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync version file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close version file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace version file: %w", err)
	}

	return nil
}
