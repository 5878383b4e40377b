package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"snapkeep/internal/app"
	"snapkeep/internal/backup"
	"snapkeep/internal/config"
	"snapkeep/internal/list"
	"snapkeep/internal/manifest"
	"snapkeep/internal/restore"
	"snapkeep/internal/snapshot"
)

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "Create a manual snapshot",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "snapshot name"},
		&cli.StringFlag{Name: "description", Usage: "free-form description"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{Lock: true}, func(a *app.App) error {
			return backup.Run(ctx, a.Service, snapshot.CreateRequest{
				Kind:        manifest.KindManual,
				Name:        cmd.String("name"),
				Description: cmd.String("description"),
			}, os.Stdout)
		})
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "List snapshots, newest first",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "filter by kind: manual, scheduled, auto or imported",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{SkipRemote: true}, func(a *app.App) error {
			return list.Run(ctx, a.Service, manifest.Kind(cmd.String("kind")), os.Stdout)
		})
	},
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "Show snapshot statistics",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{SkipRemote: true}, func(a *app.App) error {
			return list.Stats(ctx, a.Service, os.Stdout)
		})
	},
}

var restoreCommand = &cli.Command{
	Name:  "restore",
	Usage: "Restore datasets from a snapshot",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "snapshot id", Required: true},
		&cli.StringSliceFlag{
			Name:  "dataset",
			Usage: "dataset key or group to restore (repeatable, default all)",
		},
		&cli.BoolFlag{Name: "overwrite", Usage: "replace datasets that already hold a value"},
		&cli.BoolFlag{Name: "safety-snapshot", Usage: "snapshot current values before restoring"},
		&cli.BoolFlag{Name: "dry-run", Usage: "show what would be restored without writing"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		var datasets []config.DatasetKey
		for _, d := range cmd.StringSlice("dataset") {
			datasets = append(datasets, config.DatasetKey(d))
		}
		opts := snapshot.RestoreOptions{
			Datasets:       datasets,
			Overwrite:      cmd.Bool("overwrite"),
			SafetySnapshot: cmd.Bool("safety-snapshot"),
			DryRun:         cmd.Bool("dry-run"),
		}
		return withApp(ctx, cmd, app.Options{Lock: !opts.DryRun}, func(a *app.App) error {
			return restore.Run(ctx, a.Service, cmd.String("id"), opts, os.Stdout)
		})
	},
}

var deleteCommand = &cli.Command{
	Name:  "delete",
	Usage: "Delete a snapshot",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "snapshot id", Required: true},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{Lock: true, SkipRemote: true}, func(a *app.App) error {
			return backup.Delete(ctx, a.Service, cmd.String("id"), os.Stdout)
		})
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "Cross-check the catalog against stored snapshots",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "deep", Usage: "decode every snapshot and validate its checksum"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return withApp(ctx, cmd, app.Options{SkipRemote: true}, func(a *app.App) error {
			report, err := a.Service.Verify(ctx, cmd.Bool("deep"))
			if err != nil {
				return err
			}
			if err := backup.Write(os.Stdout, report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("verification failed: %s", report.Message)
			}
			return nil
		})
	},
}
