package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bodrovis/kubex/client"
	"github.com/bodrovis/kubex/config"
	"github.com/bodrovis/kubex/watch"
)

type WatchCmd struct {
	Config      string `short:"c" help:"Configuration file path" default:"kubex.yaml"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address (empty disables)" default:""`
}

func (w *WatchCmd) Run(ctx context.Context, logger *slog.Logger) error {
	envPath, err := config.LoadDotEnv("")
	if err != nil {
		return err
	}
	if envPath != "" {
		logger.Debug("loaded .env", "path", envPath)
	}

	cfg, err := config.Load(w.Config)
	if err != nil {
		return err
	}

	opts := []client.Option{client.WithHTTPTimeout(cfg.Timeout)}
	if cfg.UserAgent != "" {
		opts = append(opts, client.WithUserAgent(cfg.UserAgent))
	}
	c, err := client.NewClient(cfg.Server, cfg.Token, opts...)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if w.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              w.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	resources := make([]watch.Resource, 0, len(cfg.Resources))
	for _, r := range cfg.Resources {
		resources = append(resources, watch.Resource{Name: r.Name, Path: r.Path})
	}

	runner, err := watch.NewRunner(c, logUpdate(logger), resources,
		watch.WithBackoff(cfg.Backoff.Base, cfg.Backoff.Max),
		watch.WithLogger(logger),
		watch.WithMetrics(watch.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	logger.Info("watching", "server", cfg.Server, "resources", len(resources))
	return runner.Run(ctx)
}

func logUpdate(logger *slog.Logger) watch.Handler {
	return func(_ context.Context, u watch.Update) error {
		if u.IsRelist() {
			logger.Info("relisted", "resource", u.Resource, "items", len(u.Items), "resourceVersion", u.ResourceVersion)
			return nil
		}
		logger.Info("event", "resource", u.Resource, "type", u.Event.Type, "resourceVersion", u.ResourceVersion)
		return nil
	}
}
