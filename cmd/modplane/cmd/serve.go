package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modplane/adminhttp"
	"github.com/GoCodeAlone/modplane/config"
	"github.com/GoCodeAlone/modplane/controlplane"
	"github.com/GoCodeAlone/modplane/internal/logging"
)

// NewServeCommand creates the command that runs the control plane until
// it receives SIGINT or SIGTERM.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Load every enabled module in dependency order, start the platform
services and serve the admin API until interrupted.

Examples:
  modplane serve --config modplane.yaml
  MODPLANE_ADMIN_ADDR=:9090 modplane serve -c modplane.toml`,
		RunE: runServe,
	}
	cmd.Flags().Bool("no-admin", false, "Do not serve the admin API")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cp, err := controlplane.New(ctx, controlplane.Options{
		Config:     cfg,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		return fmt.Errorf("build control plane: %w", err)
	}

	report, err := cp.Start(ctx)
	if err != nil {
		_ = cp.Shutdown(context.Background())
		return fmt.Errorf("start control plane: %w", err)
	}
	logger.Info("Control plane started",
		"started", report.Started, "skipped", len(report.Skipped), "failed", len(report.Failed))

	var srv *http.Server
	serveErr := make(chan error, 1)
	noAdmin, _ := cmd.Flags().GetBool("no-admin")
	if cfg.Admin.Enabled && !noAdmin {
		srv = &http.Server{
			Addr: cfg.Admin.Addr,
			Handler: adminhttp.NewRouter(cp,
				adminhttp.WithLogger(logger.With("component", "admin")),
				adminhttp.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
			),
			ReadHeaderTimeout: cfg.Admin.ShutdownTimeout.Std(),
		}
		go func() {
			logger.Info("Admin API listening", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case runErr = <-serveErr:
		logger.Error("Admin API failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout.Std())
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API shutdown failed", "error", err)
		}
	}
	return errors.Join(runErr, cp.Shutdown(shutdownCtx))
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
