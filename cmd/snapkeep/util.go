package main

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"

	"snapkeep/internal/app"
)

// withApp opens the configured App for the duration of fn and makes its
// logger the default.
func withApp(ctx context.Context, cmd *cli.Command, opts app.Options, fn func(a *app.App) error) (err error) {
	opts.Command = cmd.Name
	a, err := app.LoadAndOpen(ctx, cmd.String("config"), opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	slog.SetDefault(a.Logger)
	return fn(a)
}
