package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/managex/devlock/internal/agent"
)

func main() {
	configPath := flag.String("config", "", "path to agent.yml (defaults apply when omitted)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := agent.NewSupervisor(cfg)
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor exit", "err", err)
		os.Exit(1)
	}
}
