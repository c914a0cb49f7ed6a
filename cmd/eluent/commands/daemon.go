package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/eluent/eluent/internal/daemon"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	Repos []string `help:"Additional repository paths to manage" type:"existingdir"`
}

func (d *DaemonCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	paths := append([]string{root.Repo}, d.Repos...)
	dm, err := daemon.New(paths)
	if err != nil {
		return err
	}
	return dm.Run(ctx)
}
