package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ferretsec/ferret/types"
)

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the engine version",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "ferret %s (commit: %s)\n", types.Version, commit)
			return nil
		},
	}
}
