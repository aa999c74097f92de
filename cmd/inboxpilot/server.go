package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/inboxpilot/internal/api"
	"github.com/kalambet/inboxpilot/internal/config"
	"github.com/kalambet/inboxpilot/internal/engine"
	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
	"github.com/kalambet/inboxpilot/internal/worker"
)

const workerPollInterval = 500 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, sync worker and scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running inboxpilot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, model backend and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "inboxpilot.pid")
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

func serverRunning(port int) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "inboxpilot version %s\n", version)

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if cfg.Server.APIToken == "" {
		return errors.New("missing required config: API token. Set it via environment variable INBOXPILOT_API_TOKEN")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if serverRunning(cfg.Server.Port) {
		if pid, err := readPIDFile(pidPath); err == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	scheduler, err := worker.NewScheduler(a.store, cfg.Sync.Schedule, a.logger)
	if err != nil {
		return err
	}
	w := worker.NewWorker(a.store, a.syncer(), workerPollInterval, a.logger)
	taskSvc := tasks.NewService(a.store, time.Now)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	handler := api.NewAppHandler(api.AppDeps{
		Store:  a.store,
		Tasks:  taskSvc,
		Index:  a.index,
		Token:  cfg.Server.APIToken,
		Logger: a.logger,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "inboxpilot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:      a.store,
			Tasks:      taskSvc,
			Index:      a.index,
			AgentEmail: cfg.Agent.Email,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		// A closed stdin ends the MCP session only; the HTTP side keeps serving.
		g.Go(func() error {
			a.logger.Info("MCP server started (stdio transport)")
			err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				a.logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("inboxpilot is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("could not stop inboxpilot (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to inboxpilot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	if serverRunning(cfg.Server.Port) {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}

	eng, err := engine.Detect(detectConfig(cfg))
	switch {
	case err != nil:
		printStatus("LLM", "%v", err)
	case eng.IsRunning(ctx):
		printStatus("LLM", "%s reachable", cfg.LLM.Provider)
	default:
		printStatus("LLM", "%s not reachable", cfg.LLM.Provider)
	}
	printStatus("Chat model", "%s", cfg.ChatModel())
	printStatus("Embed model", "%s", cfg.EmbedModel())

	if next, err := worker.NextRunTime(cfg.Sync.Schedule, time.Now()); err == nil {
		printStatus("Next sync", "%s (%s)", next.Format(time.RFC3339), cfg.Sync.Schedule)
	} else {
		printStatus("Next sync", "invalid schedule %q: %v", cfg.Sync.Schedule, err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printStatus("Storage", "unavailable: %v", err)
		return nil
	}
	defer store.Close()
	counts, err := store.Counts(ctx)
	if err != nil {
		printStatus("Storage", "unavailable: %v", err)
		return nil
	}
	for _, table := range []string{"users", "contacts", "email_threads", "email_messages", "tasks", "embeddings", "jobs"} {
		printStatus(table, "%d", counts[table])
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
