package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/api"
	"github.com/scangate/scangate/internal/db"
)

const (
	metricsRefreshInterval = 15 * time.Second
	drainGrace             = 5 * time.Second
)

// Serve command flags.
var (
	serveHost      string
	servePort      int
	serveMigrate   bool
	serveNoSweeper bool
)

// serveCmd runs the API server in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Run the scangate API server in the foreground.

The server admits scan batches, receives worker callbacks and billing events,
and runs the stale job sweeper on its schedule. SIGINT or SIGTERM triggers a
graceful shutdown.`,
	Example: `  scangate serve
  scangate serve --migrate
  scangate serve --host 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (overrides api.listen_addr)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides api.port)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before serving")
	serveCmd.Flags().BoolVar(&serveNoSweeper, "no-sweeper", false, "do not run the stale job sweeper")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.API.ListenAddr = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveMigrate {
		if err := db.NewMigrator(a.database.DB).Up(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if cfg.Sweeper.Enabled && !serveNoSweeper {
		if err := a.sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
		defer a.sweeper.Stop()
	}

	go a.metrics.StartPeriodicUpdates(ctx, metricsRefreshInterval)

	server, err := api.New(cfg.API, a.apiDeps(), a.logger)
	if err != nil {
		return err
	}

	a.logger.Info("scangate starting",
		"version", version,
		"address", cfg.GetAPIAddress(),
		"callback_url", cfg.CallbackURL())

	if err := server.Start(ctx); err != nil {
		return err
	}

	// dispatches that outlived their request still have jobs to mark
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.Timeout+drainGrace)
	defer cancel()
	if err := a.admission.Wait(drainCtx); err != nil {
		a.logger.Warn("Background dispatch did not finish before shutdown; affected jobs stay queued",
			"error", err)
	}

	a.logger.Info("scangate stopped")
	return nil
}

// commandContext returns the command's context or a background one when the
// command runs outside Execute, as in tests.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
