package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/hrflow/internal/definitions"
	"github.com/rendis/hrflow/internal/diagram"
	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/internal/identity"
	"github.com/rendis/hrflow/internal/logging"
	"github.com/rendis/hrflow/internal/metrics"
	"github.com/rendis/hrflow/internal/notify"
	"github.com/rendis/hrflow/internal/scheduler"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/internal/streaming"
	"github.com/rendis/hrflow/internal/validation"
	hrmcp "github.com/rendis/hrflow/pkg/mcp"
	"github.com/rendis/hrflow/pkg/schema"
)

const usage = `usage: hrflow [serve | validate <file.yaml>... | diagram <file.yaml> [ascii|mermaid|png] | version]`

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		cfg, err := loadConfig(settingsPath())
		if err != nil {
			fmt.Fprintln(stderr, "config:", err)
			return 1
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx, stop, cfg, logging.New(stderr, cfg.LogLevel, cfg.LogFormat)); err != nil {
			fmt.Fprintln(stderr, "hrflow:", err)
			return 1
		}
		return 0
	case "validate":
		return validateFiles(args, stdout, stderr)
	case "diagram":
		return renderDiagram(args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "hrflow", version)
		return 0
	default:
		fmt.Fprintln(stderr, usage)
		return 2
	}
}

// newEngines builds the expression engines. CEL doubles as the condition
// predicate and definition-time checker.
func newEngines() (*expressions.CELEngine, *expressions.GoJQEngine, expressions.Set, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cel engine: %w", err)
	}
	jq := expressions.NewGoJQEngine()
	return cel, jq, expressions.NewSet(cel, expressions.NewExprEngine(), jq), nil
}

// validateFiles checks definition files without touching the database.
func validateFiles(paths []string, stdout, stderr io.Writer) int {
	if len(paths) == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	cel, _, engines, err := newEngines()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	validator, err := validation.NewWorkflowValidator(cel, engines)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	failed := 0
	for _, path := range paths {
		def, err := definitions.LoadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		result := validator.Validate(def)
		for _, w := range result.Warnings {
			fmt.Fprintf(stdout, "%s: warning: %s: %s\n", path, w.Path, w.Message)
		}
		if !result.Valid() {
			for _, e := range result.Errors {
				fmt.Fprintf(stderr, "%s: %s: %s\n", path, e.Path, e.Message)
			}
			failed++
			continue
		}
		fmt.Fprintf(stdout, "%s: ok (%s)\n", path, def.Name)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// renderDiagram prints a definition file as ASCII or Mermaid, or writes PNG
// bytes to stdout.
func renderDiagram(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || len(args) > 2 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	format := "ascii"
	if len(args) == 2 {
		format = args[1]
	}

	def, err := definitions.LoadFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	model, err := diagram.Build(def, nil, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}

	switch format {
	case "ascii":
		fmt.Fprint(stdout, diagram.RenderASCII(model))
	case "mermaid":
		fmt.Fprintln(stdout, diagram.RenderMermaid(model))
	case "png":
		png, err := diagram.RenderImage(context.Background(), model)
		if err != nil {
			fmt.Fprintln(stderr, "render:", err)
			return 1
		}
		_, _ = stdout.Write(png)
	default:
		fmt.Fprintf(stderr, "unknown format %q: use ascii, mermaid or png\n", format)
		return 2
	}
	return 0
}

func serve(ctx context.Context, stop context.CancelFunc, cfg Config, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	cel, jq, engines, err := newEngines()
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(cel, engines)
	if err != nil {
		return err
	}
	policy, err := cfg.policy()
	if err != nil {
		return fmt.Errorf("policies: %w", err)
	}

	registry := definitions.NewRegistry(st, validator, logger)
	if cfg.DefinitionsDir != "" {
		if _, err := registry.LoadDir(ctx, cfg.DefinitionsDir, schema.System.ID); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
	}
	users := identity.NewDirectory(st, policy)

	recorder := metrics.NewRecorder()
	if err := seedActive(ctx, st, recorder); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	pool := notify.NewWorkerPool(cfg.PoolSize, logger)
	defer pool.Shutdown()

	// The MCP server needs the runner, and the session channel needs the MCP
	// server; the pusher resolves the notifier once both exist.
	var notifier *hrmcp.MCPNotifier
	pusher := notify.PusherFunc(func(ctx context.Context, userID string, payload map[string]any) error {
		if notifier == nil {
			return nil
		}
		return notifier.Notify(ctx, userID, payload)
	})

	dispatcher := notify.NewDispatcher(notify.DispatcherDeps{
		Pool:      pool,
		Formatter: notify.NewFormatter(jq, cfg.Projections),
		Channels: []notify.Channel{
			notify.NewDatabaseChannel(st),
			notify.NewLogChannel(logger),
			notify.NewSessionChannel(pusher),
		},
		Logger: logger,
	})

	runner := engine.NewRunner(engine.RunnerDeps{
		Repo:       st,
		Policy:     policy,
		Engines:    engines,
		Conditions: cel,
		Inputs:     validator,
		Emitter:    engine.MultiEmitter{streaming.NewPublisher(hub), dispatcher, recorder},
		Observer:   recorder,
		Logger:     logger,
	})

	srv := hrmcp.NewServer(hrmcp.ServerDeps{
		Runner:      runner,
		Definitions: registry,
		Users:       users,
		Queries:     st,
		Policy:      policy,
		Logger:      logger,
	})
	notifier = srv.Notifier()

	sweeper, err := scheduler.NewOverdueSweeper(st, runner, cfg.SweepSchedule, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", streaming.NewWebSocketHandler(hub, logger).AllowOrigins(cfg.AllowedOrigins...))
	observability := recorder.Handler()
	mux.Handle("/metrics", observability)
	mux.Handle("/health", observability)
	if cfg.MCPTransport == "sse" {
		sse := srv.SSEServer(cfg.BaseURL)
		mux.Handle("/sse", sse)
		mux.Handle("/message", sse)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", cfg.ListenAddr), slog.String("mcp_transport", cfg.MCPTransport))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.MCPTransport == "stdio" {
		g.Go(func() error {
			// Closing stdin ends the process.
			defer stop()
			return srv.Serve(gctx)
		})
	}

	err = g.Wait()
	logger.Info("hrflow stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seedActive initialises the active instance gauge from the store.
func seedActive(ctx context.Context, st store.Store, recorder *metrics.Recorder) error {
	total := 0
	for _, status := range []schema.InstanceStatus{schema.InstanceStatusPending, schema.InstanceStatusInProgress} {
		insts, err := st.ListInstances(ctx, store.InstanceFilter{Status: &status})
		if err != nil {
			return fmt.Errorf("count active instances: %w", err)
		}
		total += len(insts)
	}
	recorder.SetActive(total)
	return nil
}
