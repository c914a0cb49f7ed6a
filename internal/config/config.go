package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where eluent looks for configuration inside a repository.
const DefaultConfigPath = ".eluent/config.yml"

// Config represents the application configuration.
type Config struct {
	// Repository is the logical repository name used for the per-user
	// global paths. Defaults to the base name of the repo directory.
	Repository string `yaml:"repository,omitempty"`

	Sync    SyncConfig    `yaml:"sync"`
	Daemon  DaemonConfig  `yaml:"daemon,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// OfflineMode controls claim behavior when the remote is unreachable.
type OfflineMode string

const (
	// OfflineLocal performs the claim against the local worktree and
	// queues it for later reconciliation.
	OfflineLocal OfflineMode = "local"
	// OfflineFail rejects claims while the remote is unreachable.
	OfflineFail OfflineMode = "fail"
)

// SyncConfig holds the ledger coordination settings.
type SyncConfig struct {
	// LedgerBranch enables the ledger feature when non-empty. There is no
	// default branch name; "eluent-sync" is only the recommended value.
	LedgerBranch string `yaml:"ledger_branch,omitempty"`

	// Remote is the git remote carrying the ledger branch.
	Remote string `yaml:"remote,omitempty"`

	// AutoClaimPush controls whether claims push to the remote automatically.
	AutoClaimPush *bool `yaml:"auto_claim_push,omitempty"`

	// ClaimRetries is the optimistic-locking retry ceiling, clamped to [1,100].
	ClaimRetries int `yaml:"claim_retries,omitempty"`

	// ClaimTimeoutHours is the window after which a stale in_progress claim
	// may be auto-released during pull. Zero disables the sweep.
	ClaimTimeoutHours float64 `yaml:"claim_timeout_hours,omitempty"`

	// OfflineMode is "local" or "fail".
	OfflineMode OfflineMode `yaml:"offline_mode,omitempty"`

	// NetworkTimeoutSeconds bounds each fetch/push/ls-remote invocation.
	NetworkTimeoutSeconds int `yaml:"network_timeout,omitempty"`

	// GlobalPathOverride relocates the per-user root (default ~/.eluent).
	GlobalPathOverride string `yaml:"global_path_override,omitempty"`
}

// DaemonConfig holds settings for the background sync daemon.
type DaemonConfig struct {
	// PullInterval between scheduled ledger pulls. Zero disables scheduling.
	PullInterval time.Duration `yaml:"pull_interval,omitempty"`
	// SyncerCacheSize caps the per-repo syncer LRU.
	SyncerCacheSize int `yaml:"syncer_cache_size,omitempty"`
}

// MetricsConfig enables the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
}

const (
	defaultClaimRetries    = 5
	defaultNetworkTimeout  = 30
	defaultRemote          = "origin"
	defaultSyncerCacheSize = 16
	maxClaimRetries        = 100
)

// Enabled reports whether the ledger feature is configured at all.
func (s SyncConfig) Enabled() bool { return s.LedgerBranch != "" }

// NetworkTimeout returns the per-operation network deadline.
func (s SyncConfig) NetworkTimeout() time.Duration {
	return time.Duration(s.NetworkTimeoutSeconds) * time.Second
}

// AutoPush resolves the AutoClaimPush tri-state (nil means true).
func (s SyncConfig) AutoPush() bool {
	return s.AutoClaimPush == nil || *s.AutoClaimPush
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	if err := loadEnvFile(); err != nil {
		// Don't fail if .env doesn't exist, just log it
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg, configPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values with documented defaults.
func applyDefaults(cfg *Config, configPath string) {
	if cfg.Repository == "" {
		// The config lives at <repo>/.eluent/config.yml; walk two levels up.
		abs, err := filepath.Abs(configPath)
		if err == nil {
			cfg.Repository = filepath.Base(filepath.Dir(filepath.Dir(abs)))
		}
	}
	if cfg.Sync.Remote == "" {
		cfg.Sync.Remote = defaultRemote
	}
	if cfg.Sync.ClaimRetries == 0 {
		cfg.Sync.ClaimRetries = defaultClaimRetries
	}
	if cfg.Sync.ClaimRetries < 1 {
		cfg.Sync.ClaimRetries = 1
	}
	if cfg.Sync.ClaimRetries > maxClaimRetries {
		cfg.Sync.ClaimRetries = maxClaimRetries
	}
	if cfg.Sync.OfflineMode == "" {
		cfg.Sync.OfflineMode = OfflineLocal
	}
	if cfg.Sync.NetworkTimeoutSeconds <= 0 {
		cfg.Sync.NetworkTimeoutSeconds = defaultNetworkTimeout
	}
	if cfg.Daemon.SyncerCacheSize <= 0 {
		cfg.Daemon.SyncerCacheSize = defaultSyncerCacheSize
	}
}

// Validate rejects configurations that cannot be acted on.
func (c *Config) Validate() error {
	switch c.Sync.OfflineMode {
	case OfflineLocal, OfflineFail:
	default:
		return fmt.Errorf("invalid sync.offline_mode %q (want %q or %q)", c.Sync.OfflineMode, OfflineLocal, OfflineFail)
	}
	if c.Sync.ClaimTimeoutHours < 0 {
		return fmt.Errorf("sync.claim_timeout_hours cannot be negative")
	}
	return nil
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

const exampleConfig = `# Eluent configuration
#
# repository: my-project        # logical name, defaults to the directory name

sync:
  # The dedicated branch that stores the .eluent/ ledger. The feature is
  # disabled until a branch name is set. "eluent-sync" is the recommended value.
  ledger_branch: eluent-sync
  remote: origin
  auto_claim_push: true
  claim_retries: 5
  # claim_timeout_hours: 24     # auto-release stale claims during pull
  offline_mode: local           # local | fail
  network_timeout: 30           # seconds per network operation
  # global_path_override: /var/lib/eluent

# daemon:
#   pull_interval: 5m

# metrics:
#   enabled: true
#   listen: ":9167"
`
