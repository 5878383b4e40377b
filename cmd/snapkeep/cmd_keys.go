package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"snapkeep/internal/config"
	"snapkeep/internal/keys"
)

var genkeyCommand = &cli.Command{
	Name:  "genkey",
	Usage: "Generate public and private key pair",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "write the private key to this file instead of printing it",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		_, err := keys.Generate(os.Stdout, cmd.String("out"))
		return err
	},
}

var testKeysCommand = &cli.Command{
	Name:  "test-keys",
	Usage: "Test if public and private key pair match",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "identity",
			Usage: "path to age private key file (defaults to age_identity_file)",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		identity := cmd.String("identity")
		if identity == "" {
			identity = cfg.AgeIdentityFile
		}
		if identity == "" {
			return fmt.Errorf("no identity file given and age_identity_file is not set")
		}
		return keys.Test(os.Stdout, cfg.AgePublicKey, identity)
	},
}
