package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsim/internal/api"
	apihandlers "github.com/anstrom/portsim/internal/api/handlers"
	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/scheduler"
)

const (
	statusRequestTimeout = 5 * time.Second
	statusRetries        = 3
	statusRetryDelay     = 500 * time.Millisecond
)

// Server command flags.
var (
	serverHost string
	serverPort int
	statusURL  string
)

// serverCmd represents the server command and its subcommands.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run or inspect the HTTP API server",
	Long: `Run the portsim HTTP API server or query a running one.

The server exposes scan control, exports, history, scheduled scans,
a WebSocket progress stream and Prometheus metrics.`,
	Example: `  portsim server start
  portsim server start --host 0.0.0.0 --port 9090
  portsim server status`,
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server in the foreground",
	Long: `Start the API server and any enabled scheduled scans. The server runs
until interrupted; a running scan is stopped on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServerStart,
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running server",
	Args:  cobra.NoArgs,
	RunE:  runServerStatus,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverStartCmd, serverStatusCmd)

	serverStartCmd.Flags().StringVar(&serverHost, "host", "", "override the listen address")
	serverStartCmd.Flags().IntVar(&serverPort, "port", 0, "override the listen port")
	serverStatusCmd.Flags().StringVar(&statusURL, "url", "", "server base URL (default from config)")
}

func runServerStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverHost != "" {
		cfg.API.ListenAddr = serverHost
	}
	if serverPort > 0 {
		cfg.API.Port = serverPort
	}
	logger := initLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := newServices(ctx, cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Close(closeCtx)
	}()

	hub := apihandlers.NewHub(logger.WithComponent("websocket"), svc.metrics, cfg.API.CORS.AllowedOrigins)

	sched, err := startScheduler(cfg, svc, hub, logger)
	if err != nil {
		return err
	}
	if sched != nil {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				logger.Warn("Scheduler did not stop cleanly", "error", err)
			}
		}()
	}

	server, err := api.New(cfg, api.Dependencies{
		Engine:    svc.engine,
		History:   svc.history,
		Scheduler: sched,
		Hub:       hub,
		Logger:    logger.WithComponent("api"),
		Metrics:   svc.metrics,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "portsim API listening on http://%s (Ctrl-C to stop)\n", cfg.GetAPIAddress())
	return server.Start(ctx)
}

// startScheduler loads and starts configured jobs. It returns nil when
// scheduling is disabled.
func startScheduler(
	cfg *config.Config,
	svc *services,
	hub *apihandlers.Hub,
	logger *logging.Logger,
) (*scheduler.Scheduler, error) {
	if !cfg.Scheduler.Enabled {
		return nil, nil
	}

	sched := scheduler.New(svc.engine, cfg.Scanning,
		scheduler.WithLogger(logger.WithComponent("scheduler")),
		scheduler.WithMetrics(svc.metrics),
		scheduler.WithObserver(hub))
	if err := sched.LoadJobs(cfg.Scheduler); err != nil {
		return nil, err
	}
	if err := sched.Start(); err != nil {
		return nil, err
	}
	return sched, nil
}

func runServerStatus(cmd *cobra.Command, _ []string) error {
	base := statusURL
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base = "http://" + cfg.GetAPIAddress()
	}

	status, err := fetchStatus(cmd.Context(), base)
	if err != nil {
		return err
	}
	return writeStatusTable(cmd.OutOrStdout(), status)
}

// fetchStatus queries /api/v1/status, retrying briefly while the server
// comes up.
func fetchStatus(ctx context.Context, base string) (*apihandlers.StatusResponse, error) {
	client := &http.Client{Timeout: statusRequestTimeout}

	var lastErr error
	for i := 0; i < statusRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(statusRetryDelay):
			}
		}

		status, err := getStatus(ctx, client, base+"/api/v1/status")
		if err == nil {
			return status, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("server at %s is not reachable: %w", base, lastErr)
}

func getStatus(ctx context.Context, client *http.Client, url string) (*apihandlers.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var status apihandlers.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return &status, nil
}

func writeStatusTable(w io.Writer, s *apihandlers.StatusResponse) error {
	active := s.Scanning.ActiveSession
	if active == "" {
		active = "-"
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	rows := [][]string{
		{"Service", s.Service.Name},
		{"Version", s.Service.Version},
		{"Uptime", s.Service.Uptime},
		{"PID", strconv.Itoa(s.Service.PID)},
		{"Health", s.Health.Status},
		{"Active scan", active},
		{"Scan slots", fmt.Sprintf("%d/%d in use", s.Scanning.Slots.Active, s.Scanning.Slots.Capacity)},
		{"Goroutines", strconv.Itoa(s.System.Goroutines)},
	}
	for _, row := range rows {
		_ = table.Append(row)
	}
	return table.Render()
}
