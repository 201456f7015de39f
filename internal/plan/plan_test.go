package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stageFiles(t *testing.T, workspaceDir string, relPaths ...string) {
	t.Helper()
	for _, rel := range relPaths {
		path := filepath.Join(workspaceDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("staged"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuild_PreservesOrder(t *testing.T) {
	rootDir := t.TempDir()
	workspaceDir := t.TempDir()

	files := []ManagedFile{
		{LocalPath: "launcher.py", RepoPath: "GUI/launcher.py"},
		{LocalPath: "Python/main.py", RepoPath: "GUI/Python/main.py"},
	}
	stageFiles(t, workspaceDir, "GUI/launcher.py", "GUI/Python/main.py")

	manifest, err := Build(rootDir, workspaceDir, files)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(manifest) != 2 {
		t.Fatalf("manifest has %d entries, want 2", len(manifest))
	}
	if manifest[0].Target != filepath.Join(rootDir, "launcher.py") {
		t.Errorf("entry 0 target = %q", manifest[0].Target)
	}
	if manifest[1].Source != filepath.Join(workspaceDir, "GUI", "Python", "main.py") {
		t.Errorf("entry 1 source = %q", manifest[1].Source)
	}
}

func TestBuild_MissingSourceAbortsWholeManifest(t *testing.T) {
	rootDir := t.TempDir()
	workspaceDir := t.TempDir()

	files := []ManagedFile{
		{LocalPath: "launcher.py", RepoPath: "GUI/launcher.py"},
		{LocalPath: "Python/main.py", RepoPath: "GUI/Python/main.py"},
	}
	// Only the first source exists.
	stageFiles(t, workspaceDir, "GUI/launcher.py")

	manifest, err := Build(rootDir, workspaceDir, files)
	if !errors.Is(err, ErrPlanning) {
		t.Fatalf("Build = %v, want ErrPlanning", err)
	}
	if manifest != nil {
		t.Errorf("got partial manifest %v, want nil", manifest)
	}
	if !strings.Contains(err.Error(), "GUI/Python/main.py") {
		t.Errorf("error does not name the missing path: %v", err)
	}
}

func TestBuild_EverySourceVerified(t *testing.T) {
	rootDir := t.TempDir()
	workspaceDir := t.TempDir()

	stageFiles(t, workspaceDir,
		"GUI/UVPD_GUI_Launcher.py",
		"GUI/Python/main.py",
		"GUI/Python/Update.py",
		"GUI/Python/workflows.py",
	)

	manifest, err := Build(rootDir, workspaceDir, DefaultManagedFiles)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, entry := range manifest {
		if _, err := os.Stat(entry.Source); err != nil {
			t.Errorf("manifest contains unverified source %q: %v", entry.Source, err)
		}
	}
}
