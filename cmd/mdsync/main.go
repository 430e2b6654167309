package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/mdsync/internal/config"
	"github.com/alexjbarnes/mdsync/internal/convert"
	"github.com/alexjbarnes/mdsync/internal/logging"
	"github.com/alexjbarnes/mdsync/internal/mdsync"
	"github.com/alexjbarnes/mdsync/internal/remote"
	"github.com/alexjbarnes/mdsync/internal/state"
	"github.com/spf13/cobra"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "mdsync",
	Short:   "Keep a directory of markdown files in sync with a remote document collection",
	Version: Version,
}

var initCmd = &cobra.Command{
	Use:   "init <dir> <remote>",
	Short: "Initialize sync for a directory",
	Long: `Initialize sync between a local directory of markdown files and a remote
collection. For the API backend, <remote> is a collection name (created if
missing). For the fs backend, <remote> is the path of a mounted collection
directory.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger := logging.NewLogger(cfg.Environment)

		backend, _ := cmd.Flags().GetString("backend")
		force, _ := cmd.Flags().GetBool("force")
		initGit, _ := cmd.Flags().GetBool("git")

		var client *remote.APIClient

		if backend == config.BackendAPI {
			token, err := resolveToken(cfg, logger)
			if err != nil {
				return err
			}

			client = remote.NewAPIClient(cfg.APIBaseURL, token, nil)
		}

		_, err = mdsync.Initialize(cmd.Context(), mdsync.InitOptions{
			Dir:     args[0],
			Remote:  args[1],
			Backend: backend,
			Force:   force,
			InitGit: initGit,
		}, client, logger)

		return err
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Synchronize changes in both directions",
	Long: `Push locally modified markdown files to the remote collection as binary
documents, then pull remotely modified documents back as markdown.
Documents that fail to convert or transfer are reported and retried on
the next run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		dir, _ := cmd.Flags().GetString("path")

		return runUpdate(cmd.Context(), dir)
	},
}

func init() {
	initCmd.Flags().String("backend", config.BackendAPI, "remote store backend: api or fs")
	initCmd.Flags().Bool("force", false, "overwrite an existing sync config")
	initCmd.Flags().Bool("git", false, "initialize a git repository in the directory")

	updateCmd.Flags().String("path", ".", "tracked directory (defaults to the current directory)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(updateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runUpdate(ctx context.Context, dir string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	syncCfg, err := state.Load(dir)
	if err != nil {
		return err
	}

	ws, err := mdsync.NewWorkspace(dir)
	if err != nil {
		return err
	}

	store, err := buildStore(cfg, syncCfg, logger)
	if err != nil {
		return err
	}

	engine := mdsync.NewEngine(mdsync.Options{
		Workspace:       ws,
		Store:           store,
		Converter:       convert.NewPandoc(cfg.PandocPath),
		Config:          syncCfg,
		Logger:          logger,
		DocumentTimeout: cfg.DocumentTimeout,
		Parallelism:     cfg.Parallelism,
	})

	outcomes, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	// Successful pushes and pulls are already durable on disk and remote;
	// a failed save is fatal but loses nothing, since the next run
	// re-derives staleness from actual file timestamps.
	if err := state.Save(ws.Dir(), syncCfg); err != nil {
		return fmt.Errorf("persisting sync state: %w", err)
	}

	printSummary(logger, syncCfg, outcomes)

	return nil
}

func buildStore(cfg *config.Config, syncCfg *state.SyncConfig, logger *slog.Logger) (remote.Store, error) {
	switch syncCfg.Backend {
	case config.BackendAPI:
		token, err := resolveToken(cfg, logger)
		if err != nil {
			return nil, err
		}

		client := remote.NewAPIClient(cfg.APIBaseURL, token, nil)

		return remote.NewAPIStore(client, syncCfg.Remote), nil

	case config.BackendFS:
		return remote.NewFSStore(syncCfg.Remote)

	default:
		return nil, fmt.Errorf("sync config has unknown backend %q", syncCfg.Backend)
	}
}

// resolveToken returns the API token from the environment, falling back to
// the credential cache under ~/.mdsync. A token supplied via environment is
// cached for later runs.
func resolveToken(cfg *config.Config, logger *slog.Logger) (string, error) {
	cache, err := state.OpenCache()
	if err != nil {
		// The cache is a convenience; an explicit env token still works.
		logger.Warn("opening credential cache", slog.String("error", err.Error()))

		if cfg.APIToken != "" {
			return cfg.APIToken, nil
		}

		return "", fmt.Errorf("MDSYNC_API_TOKEN is not set and the credential cache is unavailable: %w", err)
	}
	defer cache.Close()

	if cfg.APIToken != "" {
		if err := cache.SetToken(cfg.APIToken); err != nil {
			logger.Warn("caching API token", slog.String("error", err.Error()))
		}

		return cfg.APIToken, nil
	}

	if token := cache.Token(); token != "" {
		logger.Debug("using cached API token")
		return token, nil
	}

	return "", fmt.Errorf("MDSYNC_API_TOKEN is not set (no cached token found)")
}

func printSummary(logger *slog.Logger, syncCfg *state.SyncConfig, outcomes []mdsync.Outcome) {
	var pushed, pulled, failed int

	for _, o := range outcomes {
		if o.Err != nil {
			failed++

			fmt.Fprintf(os.Stderr, "  failed %s %s: %v\n", o.Action, o.Doc, o.Err)

			continue
		}

		switch o.Action {
		case mdsync.ActionPush:
			pushed++
		case mdsync.ActionPull:
			pulled++
		}
	}

	logger.Info("sync completed",
		slog.Int("pushed", pushed),
		slog.Int("pulled", pulled),
		slog.Int("failed", failed),
		slog.Time("at", syncCfg.LastSync),
	)

	if failed > 0 {
		fmt.Printf("Sync completed with %d warning(s) at %s\n", failed, syncCfg.LastSync.Format("2006-01-02 15:04:05 MST"))
		return
	}

	fmt.Printf("Sync completed at %s\n", syncCfg.LastSync.Format("2006-01-02 15:04:05 MST"))
}
