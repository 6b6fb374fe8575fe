package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/medidash/internal/api"
	"github.com/kalambet/medidash/internal/config"
	"github.com/kalambet/medidash/internal/llm"
	"github.com/kalambet/medidash/internal/medical"
	"github.com/kalambet/medidash/internal/notify"
	"github.com/kalambet/medidash/internal/places"
	"github.com/kalambet/medidash/internal/profile"
	"github.com/kalambet/medidash/internal/records"
	"github.com/kalambet/medidash/internal/retry"
	"github.com/kalambet/medidash/internal/storage"
	"github.com/kalambet/medidash/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the medidash server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running medidash server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show medidash system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "medidash version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Log.Debug() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pid := pidFileIn(cfg.Storage.DataDir)
	if serverUp(context.Background(), cfg.Server.Port) {
		if n, err := pid.read(); err == nil {
			printWarning("medidash is already running (PID %d)", n)
		}
		return fmt.Errorf("port %d is already serving medidash", cfg.Server.Port)
	}
	if err := pid.write(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pid.remove()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := buildClients(ctx, cfg.LLM, os.Stderr)
	if err != nil {
		return err
	}

	// The local store always holds profiles and the notification outbox;
	// records may live elsewhere.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	backend, health, closeBackend, err := openRecordBackend(ctx, cfg.Storage, store)
	if err != nil {
		return err
	}
	defer closeBackend()

	var (
		recorder telemetry.Recorder = telemetry.Noop{}
		metrics  api.MetricsSource
	)
	if cfg.Telemetry.Enabled {
		sdk, err := telemetry.NewSDK()
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			if err := sdk.Shutdown(context.Background()); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		}()
		recorder, metrics = sdk.Recorder, sdk
	}

	policy := retryPolicy(cfg.Retry)
	profileMgr := profile.NewManager(store)

	svc, err := medical.NewService(medical.Config{
		Clients:       clients,
		Places:        places.New(cfg.Places.ClientID, cfg.Places.ClientSecret),
		Repo:          records.New(backend),
		Profiles:      profileMgr,
		Outbox:        notify.NewOutbox(store),
		Policy:        policy,
		Recorder:      recorder,
		Logger:        slog.Default(),
		ContextTokens: cfg.Chat.ContextTokens,
	})
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: slog.Default()}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookToken, policy)
	}
	worker := notify.NewWorker(store, notifier, cfg.Notify.Poll())
	go worker.Run(ctx)

	handler := api.NewAppHandler(api.AppDeps{
		Service:  svc,
		Profiles: profileMgr,
		Token:    apiToken,
		Store:    health,
		Jobs:     store,
		Metrics:  metrics,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Service:  svc,
			Profiles: profileMgr,
			Owner:    cfg.MCP.Owner,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)", "owner", cfg.MCP.Owner)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("medidash listening", "addr", addr, "provider", cfg.LLM.Provider, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildClients creates the three model handles for the configured provider.
func buildClients(ctx context.Context, cfg config.LLMConfig, w io.Writer) (medical.Clients, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return medical.Clients{
			Reports:       llm.NewGemini(cfg.GeminiKey(cfg.GeminiReportsAPIKey), cfg.ReportModel),
			Prescriptions: llm.NewGemini(cfg.GeminiKey(cfg.GeminiPrescriptionsAPIKey), cfg.PrescriptionModel),
			Chat:          llm.NewGemini(cfg.GeminiAPIKey, cfg.ChatModel),
		}, nil
	case config.ProviderOpenRouter:
		return medical.Clients{
			Reports:       llm.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.ReportModel),
			Prescriptions: llm.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.PrescriptionModel),
			Chat:          llm.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.ChatModel),
		}, nil
	case config.ProviderOllama:
		reports := llm.NewOllama(cfg.OllamaBaseURL, cfg.ReportModel)
		prescriptions := llm.NewOllama(cfg.OllamaBaseURL, cfg.PrescriptionModel)
		chat := llm.NewOllama(cfg.OllamaBaseURL, cfg.ChatModel)
		seen := make(map[string]bool)
		for _, c := range []*llm.Ollama{reports, prescriptions, chat} {
			if seen[c.Model()] {
				continue
			}
			seen[c.Model()] = true
			if err := llm.EnsureReady(ctx, c, w); err != nil {
				return medical.Clients{}, err
			}
		}
		return medical.Clients{Reports: reports, Prescriptions: prescriptions, Chat: chat}, nil
	}
	return medical.Clients{}, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// openRecordBackend returns the record backend for the configured driver,
// its health check and a close func.
func openRecordBackend(ctx context.Context, cfg config.StorageConfig, local *storage.Store) (records.Backend, api.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := storage.OpenPostgres(ctx, cfg.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pg, pg, func() { pg.Close() }, nil
	case config.DriverFirestore:
		fs, err := storage.OpenFirestore(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening firestore: %w", err)
		}
		return fs, local, func() { fs.Close() }, nil
	}
	return local, local, func() {}, nil
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.BaseDelay = cfg.Delay()
	p.Multiplier = cfg.Multiplier
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Debug("retrying upstream call", "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
	}
	return p
}

func stopServer() error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pid, err := pidFileIn(cfg.Storage.DataDir).terminate()
	switch {
	case errors.Is(err, os.ErrNotExist):
		printError("medidash is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	case err != nil:
		printError("could not stop medidash: %v", err)
		return err
	}

	printSuccess("Sent stop signal to medidash (PID %d)", pid)
	return nil
}

type healthResponse struct {
	Status string         `json:"status"`
	Jobs   map[string]int `json:"jobs"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var health healthResponse
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			_ = json.NewDecoder(resp.Body).Decode(&health)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		resp.Body.Close()
	}

	printStatus("LLM provider", "%s", cfg.LLM.Provider)
	printStatus("Report model", "%s", cfg.LLM.ReportModel)
	printStatus("Prescription model", "%s", cfg.LLM.PrescriptionModel)
	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Storage", "%s", cfg.Storage.Driver)

	if health.Jobs != nil {
		printStatus("Notifications", "%d pending, %d failed", health.Jobs["pending"], health.Jobs["failed"])
	}

	if health.Status == "ok" {
		if c, err := newAPIClient(); err == nil {
			if dash, err := fetchDashboard(ctx, c); err == nil {
				printStatus("Reports", "%s", countLabel(len(dash.Reports), 100))
				printStatus("Action required", "%d", dash.ActionRequired)
				printStatus("Active reminders", "%d", dash.ActiveReminders)
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
