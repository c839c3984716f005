package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/workq/internal/api"
	"github.com/mattjoyce/workq/internal/config"
	"github.com/mattjoyce/workq/internal/demo"
	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/log"
	"github.com/mattjoyce/workq/internal/server"
	"github.com/mattjoyce/workq/internal/tui/watch"
)

func runServerNoun(args []string) int {
	if len(args) < 1 {
		printServerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printServerNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printServerStartHelp()
			return 0
		}
		return runServerStart(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printServerWatchHelp()
			return 0
		}
		return runServerWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown server action: %s\n", action)
		return 1
	}
}

func printServerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: workq server <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printServerStartHelp() {
	fmt.Println("Usage: workq server start [--config PATH] [--listen ADDR]")
	fmt.Println("Run the orchestrator in the foreground. SIGUSR1 dumps metrics to stderr.")
}

func printServerWatchHelp() {
	fmt.Println("Usage: workq server watch [--api-url URL]")
	fmt.Println()
	fmt.Println("Real-time dashboard: workers, task pools, wait queues and events.")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select worker")
}

func runServerStart(args []string) int {
	var listen string
	cfg, path, _, err := loadConfig("start", args, func(fs *flag.FlagSet) {
		fs.StringVar(&listen, "listen", "", "Override server.listen")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("main")
	logger.Info("workq server starting", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newServerApp(ctx, cfg)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer app.Close()

	ln, err := app.srv.Listen(cfg.Server.Listen)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		return 1
	}
	var apiLn net.Listener
	if cfg.API.Enabled {
		if apiLn, err = net.Listen("tcp", cfg.API.Listen); err != nil {
			_ = ln.Close()
			logger.Error("failed to listen for API", "error", err)
			return 1
		}
	}

	logger.Info("workq running (press Ctrl+C to stop)")
	if err := app.Run(ctx, ln, apiLn); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("workq stopped")
	return 0
}

// serverApp is the orchestrator with its optional journal, event hub and
// API wired from configuration.
type serverApp struct {
	logger *slog.Logger
	srv    *server.Server
	api    *api.Server
	db     *sql.DB
	lock   *journal.Lock
	hub    *events.Hub
}

func newServerApp(ctx context.Context, cfg *config.Config) (*serverApp, error) {
	app := &serverApp{
		logger: log.WithComponent("main"),
		hub:    events.NewHub(256),
	}

	if err := setupMetrics(cfg.Metrics); err != nil {
		return nil, err
	}

	scfg := server.Config{
		HealthCheckInterval: cfg.Server.HealthCheckInterval,
		Logger:              log.WithComponent("server"),
		Events:              app.hub,
		BufferSize:          cfg.Server.BufferSize,
		MaxFrame:            cfg.Server.MaxFrameBytes,
	}

	if cfg.Server.TLS.Cert != "" {
		tlsCfg, err := server.LoadTLS(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
		if err != nil {
			return nil, err
		}
		scfg.TLSConfig = tlsCfg
	}

	var workJournal api.WorkJournal
	if cfg.Journal.Path != "" {
		lock, err := journal.AcquireLock(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		app.lock = lock

		db, err := journal.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		app.db = db
		j := journal.New(db)
		scfg.Journal = j
		workJournal = j
		app.logger.Info("journal opened", "path", cfg.Journal.Path)
	}

	app.srv = server.New(scfg)
	if err := app.srv.Enable(demo.Declare().Interface); err != nil {
		app.Close()
		return nil, err
	}

	if cfg.API.Enabled {
		app.api = api.New(api.Config{Listen: cfg.API.Listen}, app.srv, workJournal, app.hub, log.WithComponent("api"))
	}
	return app, nil
}

// Run serves workers on ln and, when the API is enabled, HTTP on apiLn
// until ctx ends or a component fails.
func (a *serverApp) Run(ctx context.Context, ln, apiLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- wrapErr("server", a.srv.Serve(ctx, ln)) }()
	if a.api != nil && apiLn != nil {
		running++
		go func() { errCh <- wrapErr("api", a.api.Serve(ctx, apiLn)) }()
	}

	var first error
	for range running {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
		// one component stopping stops the rest
		cancel()
	}
	return first
}

func wrapErr(component string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", component, err)
}

func (a *serverApp) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.lock.Release()
}

// setupMetrics installs an in-memory go-metrics sink as the global one.
// SIGUSR1 dumps it to stderr.
func setupMetrics(cfg config.MetricsConfig) error {
	inm := metrics.NewInmemSink(cfg.Interval, cfg.Retention)
	metrics.DefaultInmemSignal(inm)

	mcfg := metrics.DefaultConfig("workq")
	mcfg.EnableHostname = false
	if _, err := metrics.NewGlobal(mcfg, inm); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func runServerWatch(args []string) int {
	cfg, _, fs, err := loadConfig("watch", args, func(fs *flag.FlagSet) {
		fs.String("api-url", "", "Orchestrator API URL (default from api.listen)")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	apiURL := fs.Lookup("api-url").Value.String()
	if apiURL == "" {
		apiURL = "http://" + cfg.API.Listen
	}

	if err := watch.Run(context.Background(), apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
