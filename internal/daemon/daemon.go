// Package daemon runs the scheduler in the foreground, optionally serving
// metrics and reloading the snapshot section of the config on change.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"snapkeep/internal/app"
	"snapkeep/internal/config"
	"snapkeep/internal/snapshot"
	"snapkeep/internal/watch"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	ConfigPath  string
	MetricsAddr string
	Watch       bool
}

type Status struct {
	Status           string     `json:"status"`
	SchedulerRunning bool       `json:"scheduler_running"`
	IntervalSeconds  float64    `json:"interval_seconds,omitempty"`
	Snapshots        int        `json:"snapshots"`
	Latest           *time.Time `json:"latest,omitempty"`
}

// Run blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, a *app.App, opts Options) error {
	svc := a.Service
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	var ln net.Listener
	if opts.MetricsAddr != "" {
		var err error
		if ln, err = net.Listen("tcp", opts.MetricsAddr); err != nil {
			return err
		}
	}

	var watcher *watch.Watcher
	if opts.Watch {
		var err error
		watcher, err = watch.New(opts.ConfigPath, Reloader(svc, opts.ConfigPath, a.Logger), watch.WithLogger(a.Logger))
		if err != nil {
			if ln != nil {
				ln.Close()
			}
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	if ln != nil {
		srv := &http.Server{
			Handler:           Handler(a.Registry, svc),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.Logger.Info("Serving metrics", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	cfg := svc.Config()
	a.Logger.Info("Daemon started",
		"schedule", cfg.Schedule.Enabled,
		"interval_minutes", cfg.Schedule.IntervalMinutes,
		"watch", opts.Watch)

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err := g.Wait()
	a.Logger.Info("Daemon stopped")
	return err
}

// Reloader applies the snapshot section of the config file at path to svc.
// Other sections only take effect on restart.
func Reloader(svc *snapshot.Service, path string, logger *slog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		cfg, err := config.Load(path)
		if err != nil {
			logger.Error("Ignoring config change", "path", path, "error", err)
			return
		}
		next, err := svc.UpdateConfig(ctx, cfg.Snapshot.AsUpdate())
		if err != nil {
			logger.Error("Failed to apply config change", "error", err)
			return
		}
		logger.Info("Config reloaded",
			"schedule", next.Schedule.Enabled,
			"interval_minutes", next.Schedule.IntervalMinutes)
	}
}

func Handler(gatherer prometheus.Gatherer, svc *snapshot.Service) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			Status:           "ok",
			SchedulerRunning: svc.Scheduler().Running(),
			IntervalSeconds:  svc.Scheduler().Interval().Seconds(),
		}
		stats, err := svc.Stats(r.Context())
		code := http.StatusOK
		if err != nil {
			st.Status = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			st.Snapshots = stats.Total
			st.Latest = stats.Latest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
	return mux
}
