package plan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrPlanning indicates the staged remote tree does not match the known
// layout; the whole update must abort rather than apply a partial manifest.
var ErrPlanning = errors.New("planning failed")

// ManagedFile maps one local file the updater is authorized to overwrite to
// its fixed location inside the remote source tree. Both paths are relative,
// slash-separated.
type ManagedFile struct {
	LocalPath string
	RepoPath  string
}

// DefaultManagedFiles is the versioned set of application files under
// management: the launcher plus its support files.
var DefaultManagedFiles = []ManagedFile{
	{LocalPath: "UVPD_GUI_Launcher.py", RepoPath: "GUI/UVPD_GUI_Launcher.py"},
	{LocalPath: "Python/main.py", RepoPath: "GUI/Python/main.py"},
	{LocalPath: "Python/Update.py", RepoPath: "GUI/Python/Update.py"},
	{LocalPath: "Python/workflows.py", RepoPath: "GUI/Python/workflows.py"},
}

// Entry is one file replacement: remove Target, then move Source into place.
type Entry struct {
	Target string // absolute path of the managed local file
	Source string // absolute path of its replacement inside the workspace
}

// Manifest is the ordered set of replacements for one update cycle. It is
// never mutated after Build returns it.
type Manifest []Entry

// Build resolves each managed file against the staged workspace. Every
// source path is verified to exist before any entry is returned; a missing
// source means the remote tree has diverged from the static mapping and
// yields ErrPlanning with no manifest.
func Build(rootDir, workspaceDir string, files []ManagedFile) (Manifest, error) {
	manifest := make(Manifest, 0, len(files))

	for _, f := range files {
		source := filepath.Join(workspaceDir, filepath.FromSlash(f.RepoPath))
		if _, err := os.Stat(source); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: staged tree is missing %s", ErrPlanning, f.RepoPath)
			}
			return nil, fmt.Errorf("%w: failed to stat %s: %v", ErrPlanning, source, err)
		}

		manifest = append(manifest, Entry{
			Target: filepath.Join(rootDir, filepath.FromSlash(f.LocalPath)),
			Source: source,
		})
	}

	return manifest, nil
}
