package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/manuscript/internal/health"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
	"github.com/felixgeelhaar/manuscript/internal/server"
	"github.com/felixgeelhaar/manuscript/internal/version"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution API with health and metrics endpoints",
		Long: `Start the HTTP API.

  POST /api/projects/{project}/executions/plan
  POST /api/plans/{id}/approve
  POST /api/plans/{id}/run
  POST /api/executions/{id}/cancel
  POST /api/executions/{id}/collect
  GET  /api/executions/{id}
  GET  /api/executions/{id}/logs
  GET  /api/executions/{id}/audit
  GET  /health/live, /health/ready, /health/startup, /healthz
  GET  /metrics

Slurm jobs submitted through the server are polled in the background.
Jobs left running by a previous server are picked up again at startup.
SIGINT or SIGTERM drains connections and stops polling; interrupted jobs
resume on the next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, addr string) error {
	ctx := cmd.Context()
	a, _, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	info := version.GetInfo()
	probes := health.NewProbeManager(info.Version)
	probes.AddChecker(health.NewStoreChecker(a.store))
	probes.AddChecker(health.NewShellChecker())
	probes.AddChecker(health.NewHostChecker(a.cfg.SSH.ProbeHosts))

	srv := server.NewServer(a.service, probes, a.logger, server.Config{
		Address:         addr,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		Metrics:         metrics.HandlerFor(a.registry),
	})

	if a.monitor != nil {
		resumed, err := a.service.ResumePolling(ctx)
		if err != nil {
			a.logger.Warn("failed to resume batch polling", "error", err.Error())
		} else if resumed > 0 {
			a.logger.Info("resumed batch polling", "executions", resumed)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "manuscript %s listening on %s\n", info.Short(), addr)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		_ = a.monitor.Shutdown(context.Background())
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	if err := a.monitor.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stopping batch polling: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
