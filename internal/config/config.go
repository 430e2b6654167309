package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend identifies which remote store implementation to use.
const (
	BackendAPI = "api"
	BackendFS  = "fs"
)

// Config holds all environment-based configuration for mdsync. Per-directory
// sync state lives in the .mdsync.json file next to the tracked directory,
// not here; this struct only carries process-wide settings.
type Config struct {
	// API backend settings. Token is required when the tracked directory
	// was initialized with the API backend and no cached token exists.
	APIBaseURL string `env:"MDSYNC_API_URL" envDefault:"https://api.mdsync.dev"`
	APIToken   string `env:"MDSYNC_API_TOKEN"`

	// Path to the pandoc binary used for document conversion.
	PandocPath string `env:"MDSYNC_PANDOC" envDefault:"pandoc"`

	// DocumentTimeout bounds the conversion and transfer of a single
	// document. A document exceeding it is treated as failed for this run
	// and retried on the next one.
	DocumentTimeout time.Duration `env:"MDSYNC_DOCUMENT_TIMEOUT" envDefault:"2m"`

	// Parallelism caps how many documents are converted and transferred
	// concurrently within one sub-pass.
	Parallelism int `env:"MDSYNC_PARALLELISM" envDefault:"4"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Parallelism < 1 {
		return fmt.Errorf("MDSYNC_PARALLELISM must be at least 1, got %d", c.Parallelism)
	}

	if c.DocumentTimeout <= 0 {
		return fmt.Errorf("MDSYNC_DOCUMENT_TIMEOUT must be positive, got %s", c.DocumentTimeout)
	}

	if c.PandocPath == "" {
		return fmt.Errorf("MDSYNC_PANDOC must not be empty")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
