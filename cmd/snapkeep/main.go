package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const defaultConfig = "snapkeep.yaml"

func main() {
	cmd := &cli.Command{
		Name:    "snapkeep",
		Usage:   "Snapshot, restore and export application state",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration yaml file",
				Value:   defaultConfig,
			},
		},
		Commands: []*cli.Command{
			genkeyCommand,
			testKeysCommand,
			createCommand,
			listCommand,
			statsCommand,
			restoreCommand,
			deleteCommand,
			exportCommand,
			importCommand,
			verifyCommand,
			checkCommand,
			daemonCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted by user")
			os.Exit(130)
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
