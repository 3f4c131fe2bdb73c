package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

type CLI struct {
	Debug bool `help:"Enable debug logging"`

	Classify ClassifyCmd `cmd:"" help:"Classify a failed API response body and print the recovery directive"`
	Watch    WatchCmd    `cmd:"" help:"List and watch the configured resources, logging every update"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("kubex"),
		kong.Description("Error classification and watch tooling for Kubernetes-style APIs."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(logger)
	if err := kctx.Run(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
