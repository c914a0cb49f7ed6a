package commands

import (
	"fmt"

	"github.com/eluent/eluent/internal/config"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool `help:"Overwrite an existing configuration file"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	path := root.configPath()
	if err := config.Init(path, i.Force); err != nil {
		return err
	}
	fmt.Printf("Created %s\n", path)
	fmt.Println("Edit sync.ledger_branch to enable claim coordination, then run 'eluent sync --setup-ledger'.")
	return nil
}
