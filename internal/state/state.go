package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ConfigFilename is the per-directory sync state file, colocated with the
// tracked directory.
const ConfigFilename = ".mdsync.json"

// LockFilename is the advisory run lock, colocated with the config file.
const LockFilename = ".mdsync.lock"

const (
	// configFilePerm is the permission mode for the sync config file.
	configFilePerm = fs.FileMode(0o644)
)

// ErrNotInitialized is returned by Load when no config file exists in the
// directory. The caller should tell the user to run "mdsync init" first.
var ErrNotInitialized = errors.New("directory not initialized, run 'mdsync init' first")

// SyncRecord tracks the last successful synchronization point for one
// logical document, keyed by the document's base name. A record with a
// zero LastUpload is treated identically to an absent record and forces
// a sync in both directions.
type SyncRecord struct {
	// RemoteID is the remote file's identity: an opaque ID for the API
	// backend, a path for the filesystem backend.
	RemoteID string `json:"remote_id"`

	// LastUpload is the engine's own clock at the moment the last push or
	// pull completed durably. Always UTC.
	LastUpload time.Time `json:"last_upload"`

	// LocalModTime is the local file's modification time observed at the
	// last completed push or pull.
	LocalModTime time.Time `json:"local_mtime"`
}

// Synced reports whether this record marks a completed sync. Records
// without a LastUpload timestamp force a re-sync.
func (r SyncRecord) Synced() bool {
	return !r.LastUpload.IsZero()
}

// SyncConfig is the persisted state for one tracked directory pair. It is
// read at run start, mutated in memory during reconciliation, and written
// back atomically at run end. Unknown fields in the file are ignored so
// future versions stay readable.
type SyncConfig struct {
	LocalPath string `json:"local_path"`

	// Backend selects the remote store implementation ("api" or "fs").
	Backend string `json:"backend"`

	// Remote describes the remote collection: a collection ID for the API
	// backend, a mounted directory path for the filesystem backend.
	Remote string `json:"remote"`

	// RemoteName is the human-readable collection name (API backend only).
	RemoteName string `json:"remote_name,omitempty"`

	LastSync time.Time `json:"last_sync"`

	// Files maps document base names (e.g. "report" for report.md) to
	// their sync records.
	Files map[string]SyncRecord `json:"files"`
}

// Record returns the sync record for a document name, or nil if the
// document has never been synced.
func (c *SyncConfig) Record(name string) *SyncRecord {
	rec, ok := c.Files[name]
	if !ok {
		return nil
	}

	return &rec
}

// SetRecord stores the sync record for a document name.
func (c *SyncConfig) SetRecord(name string, rec SyncRecord) {
	if c.Files == nil {
		c.Files = make(map[string]SyncRecord)
	}

	c.Files[name] = rec
}

// ConfigPath returns the path of the sync config file for a directory.
func ConfigPath(dir string) string {
	return filepath.Join(dir, ConfigFilename)
}

// LockPath returns the path of the advisory run lock for a directory.
func LockPath(dir string) string {
	return filepath.Join(dir, LockFilename)
}

// Load reads the sync config from a tracked directory. Returns
// ErrNotInitialized when the file does not exist.
func Load(dir string) (*SyncConfig, error) {
	data, err := os.ReadFile(ConfigPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}

		return nil, fmt.Errorf("reading sync config: %w", err)
	}

	cfg := &SyncConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing sync config %s: %w", ConfigPath(dir), err)
	}

	if cfg.Files == nil {
		cfg.Files = make(map[string]SyncRecord)
	}

	return cfg, nil
}

// Exists reports whether a directory already has a sync config file.
func Exists(dir string) bool {
	_, err := os.Stat(ConfigPath(dir))
	return err == nil
}

// Save writes the sync config atomically: the JSON document is written to
// a temp file in the same directory and renamed over the config path, so a
// crash mid-write never leaves a partial or unparsable file behind.
func Save(dir string, cfg *SyncConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling sync config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ConfigFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("writing temp config file: %w", err)
	}

	// Flush to disk before the rename makes the new config visible.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("syncing temp config file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp config file: %w", err)
	}

	if err := os.Chmod(tmpPath, configFilePerm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting config file permissions: %w", err)
	}

	if err := os.Rename(tmpPath, ConfigPath(dir)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing sync config: %w", err)
	}

	return nil
}
