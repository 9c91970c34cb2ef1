package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/linkbridged/pkg/config"
	"github.com/jkoelker/linkbridged/pkg/daemon"
)

// ExitFailure is the process exit status for command failures.
const ExitFailure = 1

// ErrUnknownLogLevel indicates the provided log level string is not supported.
var ErrUnknownLogLevel = errors.New("unknown log level")

type RunOptions struct {
	ConfigPath    string
	LogLevel      string
	Subscriptions []string
	NoRefresh     bool
}

func Run() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the link event bridge",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "subscribe",
				Usage: "Socket class to subscribe per VRF (repeat flag; overrides config)",
			},
			&cli.BoolFlag{
				Name:  "no-refresh",
				Usage: "Skip the initial kernel state replay",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := RunOptions{
				ConfigPath:    cmd.String("config"),
				LogLevel:      cmd.String("log-level"),
				Subscriptions: cmd.StringSlice("subscribe"),
				NoRefresh:     cmd.Bool("no-refresh"),
			}

			if err := runDaemon(ctx, opts); err != nil {
				return cli.Exit(err.Error(), ExitFailure)
			}

			return nil
		},
	}
}

func runDaemon(ctx context.Context, opts RunOptions) error {
	logger, err := newLogger(os.Stdout, opts.LogLevel)
	if err != nil {
		return err
	}

	cfg, err := LoadRunConfig(opts)
	if err != nil {
		logger.Error("failed to load config", "path", opts.ConfigPath, "err", err)

		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize daemon", "err", err)

		return fmt.Errorf("init daemon: %w", err)
	}

	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped unexpectedly", "err", err)

		return fmt.Errorf("run daemon: %w", err)
	}

	return nil
}

func newLogger(out io.Writer, value string) (*slog.Logger, error) {
	level, err := parseLevel(value)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", value, err)
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func parseLevel(value string) (slog.Level, error) {
	switch value {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %s", ErrUnknownLogLevel, value)
	}
}

// LoadRunConfig loads the configuration file, or the built-in defaults when
// no path is given, and applies flag overrides.
func LoadRunConfig(opts RunOptions) (*config.Config, error) {
	cfg := config.Default()

	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", opts.ConfigPath, err)
		}

		cfg = loaded
	}

	if len(opts.Subscriptions) > 0 {
		cfg.Subscriptions = append([]string(nil), opts.Subscriptions...)
	}

	if opts.NoRefresh {
		refresh := false
		cfg.RefreshOnStart = &refresh
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
