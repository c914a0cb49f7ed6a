package commands

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/eluent/eluent/internal/config"
)

// Exit codes for the claim command, stable for scripting.
const (
	ExitOK            = 0
	ExitConflict      = 1
	ExitMaxRetries    = 2
	ExitNotConfigured = 3
	ExitNotFound      = 4
	ExitTerminal      = 5
)

// ExitError carries a specific process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// Global context passed to subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI is the root command definition.
type CLI struct {
	Repo    string           `short:"C" help:"Repository path" default:"." type:"existingdir"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Init      InitCmd      `cmd:"" help:"Initialize an eluent configuration file"`
	Sync      SyncCmd      `cmd:"" help:"Synchronize the claim ledger with the remote"`
	Claim     ClaimCmd     `cmd:"" help:"Claim a work item"`
	Release   ReleaseCmd   `cmd:"" help:"Release a claimed work item"`
	Heartbeat HeartbeatCmd `cmd:"" help:"Refresh a held claim so it is not swept as stale"`
	Daemon    DaemonCmd    `cmd:"" help:"Run background ledger maintenance"`
}

// AfterApply runs after flag parsing; sets up logging once.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// configPath returns the repository's config file location.
func (c *CLI) configPath() string {
	return filepath.Join(c.Repo, config.DefaultConfigPath)
}

// loadConfig loads and validates the repository configuration.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// confirm asks the user a yes/no question on the terminal.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
