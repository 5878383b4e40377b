package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"snapkeep/internal/app"
	"snapkeep/internal/check"
	"snapkeep/internal/daemon"
	"snapkeep/internal/transfer"
)

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "Write a portable snapshot document",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "snapshot id", Required: true},
		&cli.StringFlag{Name: "out", Usage: "output file, - for stdout", Value: transfer.Stdio},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{SkipRemote: true}, func(a *app.App) error {
			return transfer.Export(ctx, a.Service, cmd.String("id"), cmd.String("out"), os.Stdout)
		})
	},
}

var importCommand = &cli.Command{
	Name:  "import",
	Usage: "Import a snapshot document from a file, stdin or S3",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "in", Usage: "input file, - for stdin"},
		&cli.StringFlag{Name: "remote-id", Usage: "id of a snapshot exported to S3"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		in, remoteID := cmd.String("in"), cmd.String("remote-id")
		if (in == "") == (remoteID == "") {
			return fmt.Errorf("exactly one of --in or --remote-id is required")
		}
		return withApp(ctx, cmd, app.Options{Lock: true, SkipRemote: remoteID == ""}, func(a *app.App) error {
			if remoteID == "" {
				return transfer.Import(ctx, a.Service, in, os.Stdin, os.Stdout)
			}
			if a.Remote == nil {
				return fmt.Errorf("export.s3 is not enabled")
			}
			return transfer.ImportRemote(ctx, a.Service, a.Remote, remoteID, os.Stdout)
		})
	},
}

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "Validate config, keys, storage and remote access",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{}, func(a *app.App) error {
			return check.Run(ctx, a, os.Stdout)
		})
	},
}

var daemonCommand = &cli.Command{
	Name:  "daemon",
	Usage: "Run scheduled snapshots in the foreground",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics and /healthz on this address"},
		&cli.BoolFlag{Name: "watch", Usage: "reload the snapshot config when the file changes"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{Lock: true}, func(a *app.App) error {
			return daemon.Run(ctx, a, daemon.Options{
				ConfigPath:  cmd.String("config"),
				MetricsAddr: cmd.String("metrics-addr"),
				Watch:       cmd.Bool("watch"),
			})
		})
	},
}
