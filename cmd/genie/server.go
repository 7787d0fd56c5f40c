package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/kalambet/genie/internal/agent"
	"github.com/kalambet/genie/internal/api"
	"github.com/kalambet/genie/internal/config"
	"github.com/kalambet/genie/internal/events"
	"github.com/kalambet/genie/internal/gist"
	"github.com/kalambet/genie/internal/jobs"
	"github.com/kalambet/genie/internal/ollama"
	"github.com/kalambet/genie/internal/retrieval"
	"github.com/kalambet/genie/internal/snapshot"
	"github.com/kalambet/genie/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the genie server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(stdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show genie system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "genie.pid")
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

func runServer(stdio bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("starting genie", "version", version, "data_dir", cfg.Storage.DataDir)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oc := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, oc, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	a, err := assemble(cfg, store, oc)
	if err != nil {
		return err
	}
	if _, err := a.manager.Recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	restSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	mcpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort),
		Handler:           api.BearerAuth(cfg.Server.APIToken)(server.NewStreamableHTTPServer(a.mcp)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.manager.Run(gctx, cfg.Jobs.Workers)
	})
	for _, srv := range []*http.Server{restSrv, mcpSrv} {
		g.Go(func() error {
			slog.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if stdio {
		g.Go(func() error {
			err := server.NewStdioServer(a.mcp).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(restSrv.Shutdown(shutdownCtx), mcpSrv.Shutdown(shutdownCtx))
	})

	runErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.emitter.Close(flushCtx); err != nil {
		slog.Warn("events not fully delivered before exit", "error", err)
	}
	return runErr
}

// app is the assembled service graph.
type app struct {
	manager *jobs.Manager
	emitter *events.Emitter
	handler http.Handler
	mcp     *server.MCPServer
}

func assemble(cfg config.Config, store *storage.Store, oc *ollama.Client) (*app, error) {
	embedder := retrieval.NewEmbedder(oc, cfg.Ollama.EmbedModel)
	summarizer := gist.NewSummarizer(oc, cfg.Ollama.ChatModel, embedder, gist.NewSQLiteStore(store.DB()), cfg.Cache.MinGistWords)
	cache := snapshot.NewCache(snapshot.NewSQLiteRepository(store.DB()), summarizer, nil, snapshot.Config{
		Threshold:       cfg.Cache.Threshold,
		AdminThreshold:  cfg.Cache.AdminThreshold,
		EnsureTopResult: cfg.Cache.EnsureTopResult,
	})

	defTimeout, perKind, err := cfg.Jobs.Timeouts()
	if err != nil {
		return nil, err
	}
	d := agent.NewDispatcher(defTimeout)
	for _, ag := range []agent.Agent{agent.NewMathAgent(), agent.NewChatAgent(oc, cfg.Ollama.ChatModel)} {
		if err := d.Register(ag); err != nil {
			return nil, err
		}
	}
	if err := d.SetDefault(agent.KindChat); err != nil {
		return nil, err
	}
	for kind, t := range perKind {
		d.SetTimeout(kind, t)
	}

	logSink := events.NewLogSink(store)
	hub := events.NewHub()
	em := events.NewEmitter(cfg.Events.DeliveryAttempts, logSink, hub)

	mgr := jobs.NewManager(cache, d, em, store, jobs.Config{
		QueueSize: cfg.Jobs.QueueSize,
		Retention: cfg.Jobs.Retention,
	})

	handler := api.NewHandler(api.Deps{
		Jobs:      mgr,
		Snapshots: cache,
		History:   logSink,
		Stream:    hub,
		Delivery:  em,
		Token:     cfg.Server.APIToken,
	})
	mcpSrv := api.NewMCPServer(api.MCPDeps{Jobs: mgr, Snapshots: cache})

	return &app{manager: mgr, emitter: em, handler: handler, mcp: mcpSrv}, nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	stats, serverErr := fetchStats(ctx, client)
	if serverErr != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d (MCP on %d)", cfg.Server.Port, cfg.Server.MCPPort)
	}

	statusCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ollama.New(cfg.Ollama.BaseURL).IsRunning(statusCtx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	if serverErr == nil {
		printStatus("Jobs", "%d queued, %d running, %d submitted, %d done, %d dead",
			stats.Jobs.Pending, stats.Jobs.Running, stats.Jobs.Submitted, stats.Jobs.Done, stats.Jobs.Dead)
		printStatus("Cache", "%d snapshots; hits verbatim %d, normalized %d, gist %d, vector %d; %d misses",
			stats.Cache.Snapshots, stats.Cache.Verbatim, stats.Cache.Normalized, stats.Cache.Gist, stats.Cache.Vector, stats.Cache.Misses)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStats(ctx context.Context, c *apiClient) (api.StatsResponse, error) {
	var stats api.StatsResponse
	resp, err := c.get(ctx, "/v1/stats")
	if err != nil {
		return stats, err
	}
	return stats, decodeJSON(resp, &stats)
}
