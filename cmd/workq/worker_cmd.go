package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/workq/internal/config"
	"github.com/mattjoyce/workq/internal/demo"
	"github.com/mattjoyce/workq/internal/log"
	"github.com/mattjoyce/workq/internal/worker"
)

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		printWorkerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkerNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: workq worker start [--config PATH] [--server ADDR]")
			fmt.Println("Join the orchestrator and serve arith tasks until interrupted.")
			return 0
		}
		return runWorkerStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", action)
		return 1
	}
}

func printWorkerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: workq worker <action>")
	fmt.Fprintln(w, "Actions: start")
}

func runWorkerStart(args []string) int {
	var addr string
	cfg, path, _, err := loadConfig("start", args, func(fs *flag.FlagSet) {
		fs.StringVar(&addr, "server", "", "Override worker.server")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if addr != "" {
		cfg.Worker.Server = addr
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("main")
	logger.Info("workq worker starting", "version", version, "config", path, "server", cfg.Worker.Server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := setupMetrics(cfg.Metrics); err != nil {
		logger.Error("failed to set up metrics", "error", err)
		return 1
	}

	h, err := joinWorker(ctx, cfg)
	if err != nil {
		logger.Error("failed to join", "error", err)
		return 1
	}

	logger.Info("worker running (press Ctrl+C to stop)", "local", h.LocalAddr())
	if err := h.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "error", err)
		return 1
	}
	logger.Info("worker stopped")
	return 0
}

// joinWorker joins the configured server with the arith implementation.
func joinWorker(ctx context.Context, cfg *config.Config) (*worker.Handle, error) {
	wcfg := worker.Config{
		Addr:              cfg.Worker.Server,
		RetryDelay:        cfg.Worker.RetryDelay,
		KeepaliveInterval: cfg.Worker.KeepaliveInterval,
		KeepaliveTimeout:  cfg.Worker.KeepaliveTimeout,
		DialTimeout:       cfg.Worker.DialTimeout,
		Logger:            log.WithComponent("worker"),
		BufferSize:        cfg.Server.BufferSize,
		MaxFrame:          cfg.Server.MaxFrameBytes,
	}
	if t := cfg.Worker.TLS; t.Enabled {
		tlsCfg, err := worker.LoadTLS(t.CA, t.Cert, t.Key, t.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		wcfg.TLSConfig = tlsCfg
	}

	return worker.New(wcfg).Join(ctx, demo.Implement().Interface)
}
