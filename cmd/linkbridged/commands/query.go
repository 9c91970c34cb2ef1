package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
	"sigs.k8s.io/yaml"

	"github.com/jkoelker/linkbridged/pkg/daemon"
	"github.com/jkoelker/linkbridged/pkg/iface"
	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/object"
)

var (
	errIndexOrAll       = errors.New("either --index or --all is required")
	errMembershipTarget = errors.New("--bridge and --member are required")
)

func Query() *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "Print interface records from the kernel (YAML)",
		Flags: []cli.Flag{
			&cli.Uint32Flag{
				Name:  "index",
				Usage: "Interface index to query",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Query every interface",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only print interfaces of this type (for example bridge, lag, l2-port)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := RunOptions{ConfigPath: cmd.String("config"), LogLevel: cmd.String("log-level")}

			if err := runQuery(ctx, os.Stdout, opts, cmd.Uint32("index"), cmd.Bool("all"), cmd.String("type")); err != nil {
				return cli.Exit(err.Error(), ExitFailure)
			}

			return nil
		},
	}
}

func Member() *cli.Command {
	return &cli.Command{
		Name:  "member",
		Usage: "Report whether an interface is a member of a bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "bridge",
				Usage: "Bridge interface name",
			},
			&cli.StringFlag{
				Name:  "member",
				Usage: "Member interface name",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			opts := RunOptions{ConfigPath: cmd.String("config"), LogLevel: cmd.String("log-level")}

			if err := runMember(os.Stdout, opts, cmd.String("bridge"), cmd.String("member")); err != nil {
				return cli.Exit(err.Error(), ExitFailure)
			}

			return nil
		},
	}
}

func runQuery(ctx context.Context, out io.Writer, opts RunOptions, index uint32, all bool, typeName string) error {
	if index == 0 && !all {
		return errIndexOrAll
	}

	filter := ifcache.TypeUnknown
	if typeName != "" {
		parsed, err := ifcache.ParseType(typeName)
		if err != nil {
			return fmt.Errorf("--type: %w", err)
		}

		filter = parsed
	}

	bridge, err := oneShotDaemon(opts)
	if err != nil {
		return err
	}

	records, err := bridge.Query().GetInterfaces(ctx, index, all, filter)
	if err != nil {
		return fmt.Errorf("query interfaces: %w", err)
	}

	return writeRecords(out, records)
}

func runMember(out io.Writer, opts RunOptions, bridgeName, memberName string) error {
	if bridgeName == "" || memberName == "" {
		return errMembershipTarget
	}

	bridge, err := oneShotDaemon(opts)
	if err != nil {
		return err
	}

	resolver := iface.NewResolver(bridge.Cache())

	bridgeIndex, err := resolver.IndexByName(bridgeName)
	if err != nil {
		return fmt.Errorf("resolve bridge: %w", err)
	}

	memberIndex, err := resolver.IndexByName(memberName)
	if err != nil {
		return fmt.Errorf("resolve member: %w", err)
	}

	member := bridge.Query().CheckBridgeMembership(bridgeIndex, memberIndex)
	if _, err := fmt.Fprintf(out, "%s member of %s: %t\n", memberName, bridgeName, member); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	return nil
}

// oneShotDaemon builds a daemon that is never run; its query service answers
// from the kernel because the cache stays empty. Logs go to stderr so stdout
// carries only the result.
func oneShotDaemon(opts RunOptions) (*daemon.Daemon, error) {
	logger, err := newLogger(os.Stderr, opts.LogLevel)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadRunConfig(opts)
	if err != nil {
		return nil, err
	}

	cfg.Metrics.Listen = ""

	bridge, err := daemon.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init daemon: %w", err)
	}

	return bridge, nil
}

func writeRecords(out io.Writer, records []*object.Object) error {
	if records == nil {
		records = []*object.Object{}
	}

	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("write records: %w", err)
	}

	return nil
}
