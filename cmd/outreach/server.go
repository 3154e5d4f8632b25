package main

import (
	"context"
	"encoding/json"
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

	"github.com/fieldhub/outreach/internal/api"
	"github.com/fieldhub/outreach/internal/classify"
	"github.com/fieldhub/outreach/internal/compose"
	"github.com/fieldhub/outreach/internal/config"
	"github.com/fieldhub/outreach/internal/dispatch"
	"github.com/fieldhub/outreach/internal/engage"
	"github.com/fieldhub/outreach/internal/llm"
	"github.com/fieldhub/outreach/internal/messaging"
	"github.com/fieldhub/outreach/internal/schedule"
	"github.com/fieldhub/outreach/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the outreach server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running outreach server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outreach system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "outreach.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "outreach version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("outreach is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("outreach is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check reasoning service readiness. A cold service is not fatal: drafting
	// and classification degrade until it comes back, and failed tasks retry.
	llmClient := llm.New(cfg.LLM.BaseURL)
	if !llmClient.IsRunning(ctx) {
		slog.Warn("reasoning service not reachable, drafts will retry until it is up", "base_url", cfg.LLM.BaseURL)
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the engagement pipeline.
	classifier := classify.NewClassifier(llmClient, cfg.LLM.ClassifyModel)
	engageSvc := engage.NewService(store, classifier, func() time.Time { return time.Now().UTC() })
	generator := compose.NewGenerator(llmClient, cfg.LLM.DraftModel, 0)
	gateway := messaging.NewGateway(
		cfg.Messaging.GatewayURL,
		cfg.Messaging.APIKey,
		cfg.Messaging.FromNumber,
		cfg.Messaging.FromAddress,
	)

	window, err := businessWindow(cfg.Hours)
	if err != nil {
		return err
	}

	dispatchCfg := dispatch.Config{BatchSize: cfg.Dispatch.BatchSize}
	dispatchCfg.Tick = parseDurationOr(cfg.Dispatch.Tick, "dispatch.tick", time.Minute)
	dispatchCfg.HandlerTimeout = parseDurationOr(cfg.Dispatch.HandlerTimeout, "dispatch.handler_timeout", 30*time.Second)

	dispatcher := dispatch.New(store, generator, gateway, engageSvc, window, dispatchCfg)
	go dispatcher.Run(ctx)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.AppDeps{
		Store:  store,
		Engage: engageSvc,
		Token:  cfg.API.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:  store,
		Engage: engageSvc,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "outreach listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func businessWindow(hours config.HoursConfig) (schedule.Window, error) {
	loc, err := time.LoadLocation(hours.Timezone)
	if err != nil {
		return schedule.Window{}, fmt.Errorf("loading timezone %q: %w", hours.Timezone, err)
	}
	w := schedule.Window{
		Location:    loc,
		OpenHour:    hours.OpenHour,
		CloseHour:   hours.CloseHour,
		MorningHour: hours.MorningHour,
	}
	if w.OpenHour < 0 || w.CloseHour > 24 || w.OpenHour >= w.CloseHour {
		return schedule.Window{}, fmt.Errorf("invalid business hours %d-%d", w.OpenHour, w.CloseHour)
	}
	if w.MorningHour < w.OpenHour || w.MorningHour >= w.CloseHour {
		return schedule.Window{}, fmt.Errorf("morning hour %d outside business hours %d-%d", w.MorningHour, w.OpenHour, w.CloseHour)
	}
	return w, nil
}

func parseDurationOr(raw, key string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
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
		printError("outreach is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop outreach (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to outreach (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check the reasoning service.
	llmResp, err := client.Get(cfg.LLM.BaseURL + "/api/version")
	if err != nil {
		printStatus("Reasoning service", "not running")
	} else {
		llmResp.Body.Close()
		printStatus("Reasoning service", "running at %s", cfg.LLM.BaseURL)
	}

	printStatus("Draft model", "%s", cfg.LLM.DraftModel)
	printStatus("Classify model", "%s", cfg.LLM.ClassifyModel)

	// Show queue depth if the server is up.
	if running && cfg.API.Token != "" {
		apiC := &apiClient{baseURL: serverURL, token: cfg.API.Token, httpClient: client}
		for _, status := range []string{"PENDING", "RETRY", "FAILED"} {
			taskResp, err := apiC.get(ctx, "/tasks?status="+status+"&limit=100")
			if err != nil {
				continue
			}
			var tasks []json.RawMessage
			if decodeJSON(taskResp, &tasks) == nil {
				printStatus(status+" tasks", "%s", countLabel(len(tasks), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
