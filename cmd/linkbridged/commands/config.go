package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
	"sigs.k8s.io/yaml"

	"github.com/jkoelker/linkbridged/pkg/config"
)

const sampleConfigPerm = 0o600

func Config() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Commands: []*cli.Command{
			{
				Name:  "default",
				Usage: "Print a sample configuration (YAML)",
				Action: func(_ context.Context, _ *cli.Command) error {
					if err := WriteSample(os.Stdout); err != nil {
						return cli.Exit(err.Error(), ExitFailure)
					}

					return nil
				},
			},
			{
				Name:  "write",
				Usage: "Write a sample configuration (YAML) to a path",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Value: "linkbridged.yaml",
						Usage: "Output path for the sample configuration",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if err := WriteSampleFile(cmd.String("out"), cmd.Bool("force")); err != nil {
						return cli.Exit(err.Error(), ExitFailure)
					}

					return nil
				},
			},
		},
	}
}

// WriteSample encodes config.Default as YAML to out.
func WriteSample(out io.Writer) error {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}

	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	return nil
}

// WriteSampleFile writes the sample configuration to path. An existing file
// is left untouched unless force is set.
func WriteSampleFile(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, sampleConfigPerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to overwrite): %w", path, err)
		}

		return fmt.Errorf("open %s: %w", path, err)
	}

	writeErr := WriteSample(file)
	closeErr := file.Close()

	if err := errors.Join(writeErr, closeErr); err != nil {
		return fmt.Errorf("write default config to %s: %w", path, err)
	}

	return nil
}
