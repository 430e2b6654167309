package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the cache directory (~/.mdsync/).
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	tokenKey  = []byte("token")
)

// Cache wraps a bbolt database holding process-wide cached credentials,
// shared across all tracked directories. API tokens live here rather than
// in the per-directory config file, which is often committed to version
// control.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens the credential cache at ~/.mdsync/state.db, creating it
// if it does not exist.
func OpenCache() (*Cache, error) {
	return OpenCacheAt(cachePath())
}

// OpenCacheAt opens a credential cache at the given path, creating it if
// it does not exist. Useful for tests that need an isolated database.
func OpenCacheAt(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening credential cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing credential cache: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Token returns the cached API token, or empty string.
func (c *Cache) Token() string {
	var token string

	_ = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the API token.
func (c *Cache) SetToken(token string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

func cachePath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing the API token) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".mdsync", "state.db")
}
