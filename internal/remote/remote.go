// Package remote abstracts the store holding the converted binary documents.
// Two interchangeable implementations exist: a drive-style HTTP API store
// and a mounted-filesystem store. The backend is chosen at init time and
// recorded in the per-directory sync config.
package remote

import (
	"context"
	"errors"
	"time"
)

// File describes one document in the remote collection as observed during
// a listing. ModTime is always a UTC instant.
type File struct {
	// Name is the file name within the collection (e.g. "report.docx").
	Name string

	// ID is the file's identity: an opaque ID for the API backend, an
	// absolute path for the filesystem backend.
	ID string

	ModTime time.Time
}

// Store is the remote store adapter. A Store is bound to one collection
// at construction time.
//
//go:generate mockgen -destination=../mdsync/mock_remote_test.go -package=mdsync github.com/alexjbarnes/mdsync/internal/remote Store
type Store interface {
	// List returns every document in the collection with its current
	// modification time, read fresh from the backend.
	List(ctx context.Context) ([]File, error)

	// Fetch returns the content of a document by its ID.
	Fetch(ctx context.Context, id string) ([]byte, error)

	// Store creates or overwrites a document by name within the
	// collection and returns its ID.
	Store(ctx context.Context, name string, content []byte) (string, error)
}

// ErrAuth marks authentication or authorization failures against the API
// backend. These are fatal for the whole run.
var ErrAuth = errors.New("remote store authentication failed")

// TransientError wraps an error that is likely temporary and safe to retry
// on the next run.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the document should be retried on a later run.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
