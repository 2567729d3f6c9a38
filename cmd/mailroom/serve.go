package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/mailroom/pkg/api"
	"github.com/cuemby/mailroom/pkg/config"
	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/manager"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a mailroom daemon",
	Long: `Run a mailroom daemon in the foreground.

Settings come from the --config file, then MAILROOM_* environment variables,
then command line flags. For example MAILROOM_DELIVERY_WORKERS=20 sets
delivery.workers.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Configuration file (YAML)")
	serveCmd.Flags().String("data-dir", "", "Directory for the journal, registrations and event logs")
	serveCmd.Flags().String("api-addr", "", "Address for the gRPC API")
	serveCmd.Flags().String("health-addr", "", "Address for health and metrics endpoints (empty disables)")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Log as JSON")
	serveCmd.Flags().Bool("memory", false, "Keep event logs in memory only")
}

// loadConfig builds the effective configuration of cmd. Flags override the
// file and environment only when set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	bindings := map[string]string{
		"data_dir":        "data-dir",
		"api.addr":        "api-addr",
		"api.health_addr": "health-addr",
		"log.level":       "log-level",
		"log.json":        "log-json",
	}
	for key, flag := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, err
		}
	}
	if memory, _ := cmd.Flags().GetBool("memory"); memory {
		v.Set("eventlog.durable", false)
	}

	path, _ := cmd.Flags().GetString("config")
	return config.LoadViper(v, path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	closer := log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer closer.Close()
	logger := log.WithComponent("main")

	mgr, err := manager.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	mgr.Health().SetVersion(Version)

	if err := mgr.Start(); err != nil {
		mgr.Shutdown()
		return fmt.Errorf("failed to start manager: %w", err)
	}

	errCh := make(chan error, 2)

	apiServer := api.NewServer(mgr.Registry(), mgr.Health())
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	var healthServer *api.HealthServer
	if cfg.API.HealthAddr != "" {
		healthServer = api.NewHealthServer(mgr.Health())
		go func() {
			if err := healthServer.Start(cfg.API.HealthAddr); err != nil {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("version", Version).
		Str("api_addr", cfg.API.Addr).
		Str("health_addr", cfg.API.HealthAddr).
		Str("data_dir", cfg.DataDir).
		Bool("durable", cfg.EventLog.Durable).
		Msg("Mailroom is running")

	var runErr error
	select {
	case <-cmd.Context().Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed, shutting down")
	}

	// Stop taking calls before the registry closes under them
	apiServer.Stop(shutdownTimeout)
	if healthServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := healthServer.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("Health server shutdown failed")
		}
		cancel()
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}
