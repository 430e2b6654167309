package mdsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/alexjbarnes/mdsync/internal/config"
	"github.com/alexjbarnes/mdsync/internal/remote"
	"github.com/alexjbarnes/mdsync/internal/state"
)

// ErrConfigExists is returned by Initialize when the directory already has
// a sync config and force was not requested.
var ErrConfigExists = errors.New("sync config already exists, use --force to overwrite")

// InitOptions describes one initialization request.
type InitOptions struct {
	// Dir is the local directory to track.
	Dir string

	// Remote is the collection descriptor: a collection name for the API
	// backend, a mounted directory path for the filesystem backend.
	Remote string

	// Backend selects the remote store ("api" or "fs").
	Backend string

	// Force overwrites an existing sync config.
	Force bool

	// InitGit initializes a git repository in the directory. Failures are
	// logged and ignored.
	InitGit bool
}

// Initialize validates the directory pair, resolves the remote collection,
// and writes the initial sync config with an empty mapping. The API client
// is only needed for the API backend and may be nil otherwise.
func Initialize(ctx context.Context, opts InitOptions, client *remote.APIClient, logger *slog.Logger) (*state.SyncConfig, error) {
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving directory: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("local directory %s: %w", dir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s is not a directory", dir)
	}

	if state.Exists(dir) && !opts.Force {
		return nil, fmt.Errorf("%s: %w", state.ConfigPath(dir), ErrConfigExists)
	}

	cfg := &state.SyncConfig{
		LocalPath: dir,
		Backend:   opts.Backend,
		Files:     make(map[string]state.SyncRecord),
	}

	switch opts.Backend {
	case config.BackendAPI:
		if client == nil {
			return nil, fmt.Errorf("API backend requires an API client")
		}

		coll, err := client.EnsureCollection(ctx, opts.Remote)
		if err != nil {
			return nil, fmt.Errorf("resolving remote collection: %w", err)
		}

		cfg.Remote = coll.ID
		cfg.RemoteName = coll.Name

		logger.Info("connected to remote collection",
			slog.String("name", coll.Name),
			slog.String("id", coll.ID),
		)

	case config.BackendFS:
		mount, err := filepath.Abs(opts.Remote)
		if err != nil {
			return nil, fmt.Errorf("resolving remote mount path: %w", err)
		}

		if err := os.MkdirAll(mount, 0o755); err != nil {
			return nil, fmt.Errorf("creating remote mount directory %s: %w", mount, err)
		}

		cfg.Remote = mount

		logger.Info("using mounted remote collection", slog.String("path", mount))

	default:
		return nil, fmt.Errorf("unknown backend %q (want %q or %q)", opts.Backend, config.BackendAPI, config.BackendFS)
	}

	if err := state.Save(dir, cfg); err != nil {
		return nil, fmt.Errorf("writing sync config: %w", err)
	}

	logger.Info("initialized", slog.String("dir", dir), slog.String("config", state.ConfigPath(dir)))

	if opts.InitGit {
		initGitRepo(dir, logger)
	}

	return cfg, nil
}

// initGitRepo initializes a git repository in the directory unless one
// already exists. Fire and forget: a missing git binary or a failed init
// never fails initialization.
func initGitRepo(dir string, logger *slog.Logger) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		logger.Debug("git repository already exists", slog.String("dir", dir))
		return
	}

	out, err := exec.Command("git", "-C", dir, "init").CombinedOutput()
	if err != nil {
		logger.Warn("git init failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)

		return
	}

	logger.Info("initialized git repository", slog.String("dir", dir))
}
