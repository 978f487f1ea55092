package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/config"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/service"
)

// newServeCmd creates the `broadcastd serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the broadcast daemon",
		Long: `Start the backend: restore every tenant with stored credentials,
accept new pairings, deliver campaigns and replay missed messages.

Examples:
  broadcastd serve
  broadcastd serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	cancel()
	return svc.Close()
}

// resolveConfig loads the config file from --config, $BROADCASTD_CONFIG
// or ./config.yaml, falling back to compiled defaults when none exists.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = os.Getenv("BROADCASTD_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
		if _, err := os.Stat(path); err != nil {
			return config.DefaultConfig(), nil
		}
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
