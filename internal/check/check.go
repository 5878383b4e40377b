package check

import (
	"context"
	"fmt"
	"io"

	"snapkeep/internal/app"
	"snapkeep/internal/keys"
	"snapkeep/internal/lock"
	"snapkeep/internal/util"
)

func Run(ctx context.Context, a *app.App, w io.Writer) error {
	cfg := a.Config
	fmt.Fprintln(w, "config: OK")

	fmt.Fprintf(w, "state %s: OK\n", cfg.State.Driver)
	fmt.Fprintf(w, "store %s: OK\n", cfg.Store.Driver)

	if cfg.AgePublicKey != "" && cfg.AgeIdentityFile != "" {
		if err := keys.Test(io.Discard, cfg.AgePublicKey, cfg.AgeIdentityFile); err != nil {
			return fmt.Errorf("keys: %w", err)
		}
		fmt.Fprintln(w, "keys: OK")
	} else if cfg.AgePublicKey == "" {
		fmt.Fprintln(w, "keys: skipped (no age_public_key)")
	} else {
		fmt.Fprintln(w, "keys: skipped (no age_identity_file)")
	}

	holder, err := lock.Inspect(util.LockPath(cfg.BaseDir))
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if holder != nil {
		fmt.Fprintf(w, "lock: held by pid %d (%s) since %s\n", holder.Pid, holder.Command, holder.StartedAt)
	} else {
		fmt.Fprintln(w, "lock: free")
	}

	report, err := a.Service.Verify(ctx, false)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !report.OK() {
		return fmt.Errorf("verify: %s", report.Message)
	}
	fmt.Fprintf(w, "snapshots: %d OK\n", report.Checked)

	if a.Remote != nil {
		if err := a.Remote.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(w, "S3 bucket %s: OK\n", cfg.Export.S3.Bucket)
	}

	fmt.Fprintln(w, "all checks passed")
	return nil
}
