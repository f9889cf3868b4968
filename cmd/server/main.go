/*
main.go - Application entry point

PURPOSE:
  The recurd binary. Serves the HTTP API with the background scheduler, and
  offers one-shot subcommands for cron jobs and operators.

COMMANDS:
  recurd serve      HTTP API + scheduler, graceful shutdown
  recurd generate   Run one generation batch and print what was created
  recurd remind     Send every reminder due now
  recurd status     Due rules and recent generation runs

CONFIGURATION:
  --config path/to/recur.yaml, then RECUR_* environment variables (see
  config/config.go). A .env file in the working directory is honoured.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight batch)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # SQLite file database, log reminders
  recurd serve

  # Postgres with Telegram reminders
  RECUR_DATABASE_DRIVER=postgres RECUR_DATABASE_URL=postgres://... \
  RECUR_NOTIFY_CHANNEL=telegram recurd serve

  # Backfill as of a past date
  recurd generate --as-of 2024-01-31

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings and defaults
  - cmd/server/commands.go: One-shot subcommands
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/recurrence-engine/api"
	"github.com/warp/recurrence-engine/config"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/invoices"
	"github.com/warp/recurrence-engine/notify"
	"github.com/warp/recurrence-engine/store/postgres"
	"github.com/warp/recurrence-engine/store/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "recurd",
	Short:         "Recurring task and invoice generator",
	Long:          `recurd turns recurring rules into concrete tasks and invoices, and chases unpaid invoices with reminders.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the generation scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.AddCommand(serveCmd, generateCmd, remindCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	sender, err := newSender(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s notifications: %w", cfg.Notify.Channel, err)
	}

	// Initialize handler and scheduler
	handler := api.NewHandler(store, sender)
	scheduler := api.NewGenerationScheduler(handler.Coordinator, handler.Reminders)
	scheduler.CheckInterval = cfg.Scheduler.CheckInterval
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.RemindersEnabled = cfg.Scheduler.RemindersEnabled
	handler.Scheduler = scheduler

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on http://localhost:%d (store: %s, reminders: %s)",
			cfg.HTTP.Port, cfg.Database.Driver, cfg.Notify.Channel)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

// openStore opens the configured backend. Invoice instances get their
// obligation inserted in the same transaction.
func openStore(ctx context.Context, cfg *config.Config) (generic.Repository, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.Database.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		s.Obligations = invoices.ObligationFor
		return s, nil
	default:
		if cfg.Database.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
				return nil, err
			}
		}
		s, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.Obligations = invoices.ObligationFor
		return s, nil
	}
}

func newSender(cfg *config.Config) (generic.NotificationSender, error) {
	switch cfg.Notify.Channel {
	case "telegram":
		tg, err := notify.NewTelegramSender(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			return nil, err
		}
		return tg, nil
	case "email":
		smtp := cfg.Notify.SMTP
		return notify.NewEmailSender(notify.SMTPConfig{
			Host:     smtp.Host,
			Port:     smtp.Port,
			Username: smtp.Username,
			Password: smtp.Password,
			From:     smtp.From,
			FromName: smtp.FromName,
		}), nil
	default:
		return notify.LogSender{}, nil
	}
}
