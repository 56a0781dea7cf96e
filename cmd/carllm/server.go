package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/carllm/internal/api"
	"github.com/kalambet/carllm/internal/config"
	"github.com/kalambet/carllm/internal/extract"
	"github.com/kalambet/carllm/internal/fanout"
	"github.com/kalambet/carllm/internal/intake"
	"github.com/kalambet/carllm/internal/judge"
	"github.com/kalambet/carllm/internal/metrics"
	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/pipeline"
	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/trigger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the carllm server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running carllm server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and engine availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "carllm.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// probeHealth reports whether something already answers on the server port.
func probeHealth(port int) (int, bool) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return 0, false
	}
	resp.Body.Close()
	return resp.StatusCode, true
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "carllm version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if _, up := probeHealth(cfg.Server.Port); up {
		if pid, err := readPIDFile(pidPath); err == nil {
			printWarning("carllm is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("port %d is already in use", cfg.Server.Port)
		return fmt.Errorf("port %d already in use", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	if err := ensureUser(ctx, store, cfg.MCP.UserID); err != nil {
		return fmt.Errorf("preparing MCP user: %w", err)
	}

	a := assemble(cfg, store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})
	if mcpStdio {
		g.Go(func() error {
			return serveMCP(gctx, api.MCPDeps{Store: store, Pipeline: a.svc, UserID: cfg.MCP.UserID})
		})
	}
	g.Go(func() error {
		return serveHTTP(gctx, cfg.Server.Port, api.NewHandler(api.Deps{
			Store:    store,
			Pipeline: a.svc,
			Enqueuer: a.enqueuer,
			Metrics:  a.metrics,
		}), cfg.Models.Engines())
	})
	return g.Wait()
}

// app holds the long-lived components shared by the HTTP and MCP surfaces.
type app struct {
	svc      *pipeline.Service
	enqueuer *trigger.Enqueuer
	worker   *trigger.Worker
	metrics  *metrics.Metrics
}

func assemble(cfg config.Config, store *storage.Store) app {
	provider := openrouter.NewClient(cfg.OpenRouter.APIKey,
		openrouter.WithBaseURL(cfg.OpenRouter.BaseURL),
		openrouter.WithTimeout(cfg.OpenRouter.RequestTimeout),
	)
	m := metrics.New()
	enqueuer := trigger.NewEnqueuer(store)

	svc := pipeline.NewService(pipeline.Deps{
		Store:            store,
		Provider:         provider,
		Questioner:       intake.NewQuestioner(provider, cfg.Models.Intake),
		Gate:             intake.NewGate(provider, cfg.Models.Judge, cfg.Pipeline.SufficiencyThreshold),
		FanOut:           fanout.New(store, provider, cfg.Models.Engines(), fanout.WithObserver(m.ObserveRun)),
		Judge:            judge.NewAggregator(provider, cfg.Models.Judge),
		ChatModel:        cfg.Models.Chat,
		ProgressInterval: cfg.Pipeline.ProgressInterval,
		Metrics:          m,
		Notifier:         enqueuer,
	})

	opts := []extract.Option{
		extract.WithThreshold(cfg.Extraction.ConfidenceThreshold),
		extract.WithObserver(m.ObserveExtraction),
	}
	worker := trigger.NewWorker(store, map[string]extract.Handler{
		trigger.JobExtractAttributes:   extract.NewAttributes(store, provider, cfg.Models.Extraction, opts...),
		trigger.JobExtractReplacements: extract.NewReplacements(store, provider, cfg.Models.Extraction, opts...),
	}, cfg.Worker.PollInterval)

	return app{svc: svc, enqueuer: enqueuer, worker: worker, metrics: m}
}

// serveMCP runs the MCP tools on stdin/stdout until ctx ends. A closed stdin
// stops MCP but leaves the HTTP server up.
func serveMCP(ctx context.Context, deps api.MCPDeps) error {
	slog.Info("MCP server started (stdio transport)", "user_id", deps.UserID)
	err := server.NewStdioServer(api.NewMCPServer(deps)).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("MCP stdio server stopped", "error", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, port int, h http.Handler, engines []string) error {
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: h}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("carllm listening", "addr", srv.Addr, "engines", engines)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ensureUser creates the user the MCP tools act as, if it does not exist.
func ensureUser(ctx context.Context, store *storage.Store, id string) error {
	_, err := store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		_, err = store.CreateUser(ctx, storage.User{ID: id})
	}
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("carllm is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop carllm (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to carllm (PID %d)", pid)
	return nil
}

// modelLister is the part of the provider client status needs.
type modelLister interface {
	ListModels(ctx context.Context) ([]openrouter.Model, error)
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	switch code, up := probeHealth(cfg.Server.Port); {
	case !up:
		printStatus("Server", "stopped")
	case code == http.StatusOK:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		printStatus("Server", "error (HTTP %d)", code)
	}

	printStatus("Intake model", "%s", cfg.Models.Intake)
	printStatus("Judge model", "%s", cfg.Models.Judge)
	printStatus("Chat model", "%s", cfg.Models.Chat)
	printStatus("Extraction model", "%s", cfg.Models.Extraction)

	provider := openrouter.NewClient(cfg.OpenRouter.APIKey,
		openrouter.WithBaseURL(cfg.OpenRouter.BaseURL),
		openrouter.WithTimeout(10*time.Second),
	)
	reportEngines(ctx, provider, cfg.Models.Engines())

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// reportEngines prints whether each fan-out engine is offered by the
// provider.
func reportEngines(ctx context.Context, provider modelLister, engines []string) {
	models, err := provider.ListModels(ctx)
	if err != nil {
		printStatus("Provider", "unreachable: %v", err)
		for _, e := range engines {
			printStatus("Engine", "%s (unknown)", e)
		}
		return
	}
	printStatus("Provider", "%d models available", len(models))

	available := make(map[string]bool, len(models))
	for _, m := range models {
		available[m.ID] = true
	}
	for _, e := range engines {
		if available[e] {
			printStatus("Engine", "%s %s", e, colorize(colorGreen, "available"))
		} else {
			printStatus("Engine", "%s %s", e, colorize(colorRed, "missing"))
		}
	}
}
