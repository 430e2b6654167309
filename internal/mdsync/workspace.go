package mdsync

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// workspaceFilePerm is the permission mode for files written into the
	// tracked directory.
	workspaceFilePerm = fs.FileMode(0o644)
)

// LocalFile is the state of one local markdown document, read fresh from
// the filesystem at the start of every run.
type LocalFile struct {
	// Name is the file name within the directory (e.g. "report.md"),
	// byte-for-byte as stored on disk so the file can be reopened by
	// name. Unicode normalization happens when deriving the record key,
	// never here.
	Name string

	// ModTime is the file's modification time as a UTC instant.
	ModTime time.Time
}

// Workspace provides access to the tracked local directory. Documents are
// flat: only markdown files directly inside the directory are synced,
// never subdirectories.
type Workspace struct {
	dir string
}

// NewWorkspace creates a workspace rooted at the given directory, which
// must already exist.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", abs, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}

	return &Workspace{dir: abs}, nil
}

// Dir returns the absolute root directory of the workspace.
func (w *Workspace) Dir() string {
	return w.dir
}

// ListMarkdown returns every markdown document in the directory with its
// current modification time.
func (w *Workspace) ListMarkdown() ([]LocalFile, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("listing workspace %s: %w", w.dir, err)
	}

	var files []LocalFile

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), markdownExt) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("reading file info %s: %w", entry.Name(), err)
		}

		files = append(files, LocalFile{
			Name:    entry.Name(),
			ModTime: info.ModTime().UTC(),
		})
	}

	return files, nil
}

// Path resolves a document name to an absolute path inside the workspace,
// rejecting anything that could escape the directory.
func (w *Workspace) Path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	return filepath.Join(w.dir, name), nil
}

// Stat returns file info for a document name.
func (w *Workspace) Stat(name string) (os.FileInfo, error) {
	path, err := w.Path(name)
	if err != nil {
		return nil, err
	}

	return os.Stat(path)
}

// Place moves a fully converted document from a scratch location into the
// workspace. The content is copied to a temp file inside the directory and
// renamed over the destination, so a partially transferred document is
// never visible under its final name. os.Rename alone is not enough since
// the scratch directory usually lives on a different filesystem.
func (w *Workspace) Place(srcPath, name string) error {
	dest, err := w.Path(name)
	if err != nil {
		return err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening converted document: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(w.dir, ".mdsync-pull-*")
	if err != nil {
		return fmt.Errorf("creating temp file in workspace: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("copying into workspace: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file in workspace: %w", err)
	}

	if err := os.Chmod(tmpPath, workspaceFilePerm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting document permissions: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("placing %s into workspace: %w", name, err)
	}

	return nil
}

// validateName rejects document names that contain path separators, ".."
// segments, or null bytes. Names come from remote listings, so they are
// untrusted input.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty document name")
	}

	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("document name contains null byte: %q", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("document name contains path separator: %q", name)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("invalid document name: %q", name)
	}

	return nil
}

// normalizeName applies Unicode NFC normalization to a document name so
// the same document produced on different platforms (notably macOS NFD
// file names) maps to one sync record.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}
