package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wisbric/commandrunner/internal/app"
	"github.com/wisbric/commandrunner/internal/config"
)

func main() {
	runOnceTenant := flag.String("run-once-tenant", "", "admin: mark a single command due immediately in this tenant (requires -run-once-id)")
	runOnceID := flag.String("run-once-id", "", "admin: command id to mark due (used with -run-once-tenant)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *runOnceTenant != "" {
		if err := app.RunOnce(ctx, cfg, *runOnceTenant, *runOnceID); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
