package workspace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	snapshotErr error
	called      bool
	repoSetup   func(destDir string)
}

func (m *mockGitClient) LsRemote(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (m *mockGitClient) Snapshot(_ context.Context, _, _, destDir string) error {
	m.called = true
	if m.snapshotErr != nil {
		return m.snapshotErr
	}
	if m.repoSetup != nil {
		m.repoSetup(destDir)
	}
	return nil
}

func TestRemove_AbsentPathIsIdempotent(t *testing.T) {
	cleaner := NewCleaner(testLogger())
	path := filepath.Join(t.TempDir(), "workspace")

	// Twice in a row, the second call on an already-absent path.
	if err := cleaner.Remove(path); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := cleaner.Remove(path); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestRemove_DeletesTree(t *testing.T) {
	cleaner := NewCleaner(testLogger())
	path := filepath.Join(t.TempDir(), "workspace")

	if err := os.MkdirAll(filepath.Join(path, "GUI", "Python"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "GUI", "Python", "main.py"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := cleaner.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("workspace still present after Remove: %v", err)
	}

	// Second call on the now-absent path must also succeed.
	if err := cleaner.Remove(path); err != nil {
		t.Fatalf("Remove after delete: %v", err)
	}
}

func TestRemove_ClearsReadOnlyEntries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores permission bits")
	}

	cleaner := NewCleaner(testLogger())
	path := filepath.Join(t.TempDir(), "workspace")
	sub := filepath.Join(path, "locked")

	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "file.py"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// A directory without write permission makes its children undeletable.
	if err := os.Chmod(sub, 0555); err != nil {
		t.Fatal(err)
	}

	if err := cleaner.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("workspace still present after Remove: %v", err)
	}
}

func TestStage_WipesExistingWorkspaceFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace")

	// Debris from an interrupted prior cycle.
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
	debris := filepath.Join(path, "stale.py")
	if err := os.WriteFile(debris, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	mock := &mockGitClient{
		repoSetup: func(destDir string) {
			_ = os.MkdirAll(destDir, 0755)
			_ = os.WriteFile(filepath.Join(destDir, "fresh.py"), []byte("new"), 0644)
		},
	}
	cleaner := NewCleaner(testLogger())
	stager := NewStager(mock, cleaner, testLogger())

	if err := stager.Stage(context.Background(), "url", "HEAD", path); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if !mock.called {
		t.Error("git.Snapshot was not called")
	}
	if _, err := os.Stat(debris); !os.IsNotExist(err) {
		t.Error("stale workspace content survived staging")
	}
	if _, err := os.Stat(filepath.Join(path, "fresh.py")); err != nil {
		t.Errorf("fresh snapshot missing: %v", err)
	}
}

func TestStage_PropagatesSnapshotError(t *testing.T) {
	wantErr := errors.New("no connectivity")
	mock := &mockGitClient{snapshotErr: wantErr}
	stager := NewStager(mock, NewCleaner(testLogger()), testLogger())

	err := stager.Stage(context.Background(), "url", "HEAD", filepath.Join(t.TempDir(), "ws"))
	if !errors.Is(err, wantErr) {
		t.Errorf("Stage = %v, want %v", err, wantErr)
	}
}
