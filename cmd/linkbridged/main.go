package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/linkbridged/cmd/linkbridged/commands"
)

func main() {
	cmd := &cli.Command{
		Name:            "linkbridged",
		Usage:           "Kernel link event bridge",
		HideHelpCommand: true,
		DefaultCommand:  "run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "linkbridged.yaml",
				Usage: "Path to the configuration file (YAML or JSON); empty uses built-in defaults",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			commands.Run(),
			commands.Query(),
			commands.Member(),
			commands.Config(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitFailure)
	}
}
