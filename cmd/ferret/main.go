// Package main provides the ferret CLI entrypoint.
//
// Usage:
//
//	ferret run -t <target> [options]
//
// Exit codes for `run`:
//   - 0: scan completed
//   - 1: scan failed
//   - 2: configuration error
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ferretsec/ferret/cli/cmd"
	"github.com/ferretsec/ferret/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:    "ferret",
		Usage:   "Recursive reconnaissance scanner",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(cli.ExitCoder); !ok {
			fmt.Fprintf(os.Stderr, "ferret: %v\n", err)
			os.Exit(1)
		}
	}
}
