package remote

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// binaryExt is the remote document extension the filesystem backend
	// lists and stores.
	binaryExt = ".docx"

	fsFilePerm = fs.FileMode(0o644)
)

// FSStore is a remote store backed by a locally mounted directory, for
// setups where the remote drive is mounted into the filesystem instead of
// reached over its API.
type FSStore struct {
	dir string
}

// NewFSStore creates a filesystem store rooted at the mounted collection
// directory. The directory must already exist.
func NewFSStore(dir string) (*FSStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("remote mount %s: %w", dir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("remote mount %s is not a directory", dir)
	}

	return &FSStore{dir: dir}, nil
}

// List returns all binary documents in the mounted collection with their
// modification times. Subdirectories are not traversed; a collection is
// flat, matching the API backend.
func (s *FSStore) List(ctx context.Context) ([]File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing remote mount %s: %w", s.dir, err)
	}

	var files []File

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), binaryExt) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("reading remote file info %s: %w", entry.Name(), err)
		}

		files = append(files, File{
			Name:    entry.Name(),
			ID:      filepath.Join(s.dir, entry.Name()),
			ModTime: info.ModTime().UTC(),
		})
	}

	return files, nil
}

// Fetch reads a document's content by its path.
func (s *FSStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(id)
	if err != nil {
		return nil, fmt.Errorf("fetching remote file %s: %w", id, err)
	}

	return data, nil
}

// Store writes a document into the collection by name, overwriting any
// existing file. The content goes to a temp file first and is renamed
// into place, so readers of the mount never observe a partial document.
func (s *FSStore) Store(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dest := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".mdsync-upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file in remote mount: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return "", fmt.Errorf("writing to remote mount: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file in remote mount: %w", err)
	}

	if err := os.Chmod(tmpPath, fsFilePerm); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("setting remote file permissions: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("storing remote file %s: %w", name, err)
	}

	return dest, nil
}
