package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zen-systems/autoos/pkg/api"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	var ledgerDriver string
	var ledgerFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow HTTP API",
		Long: `Starts the HTTP API for submitting, inspecting, pausing, resuming and
cancelling workflows. Prometheus metrics are served on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Providers.Server.Addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := buildStack(ctx, cfg, logger, stackOptions{ledgerDriver: ledgerDriver, ledgerPath: ledgerFile, metrics: true})
			if err != nil {
				return err
			}
			defer s.Close()

			server := api.New(s.orch,
				api.WithLedger(s.ledger),
				api.WithMetricsHandler(s.prom.Handler()),
				api.WithLogger(logger),
				api.WithBaseContext(ctx),
				api.WithWorkflowDefaults(workflowDefaults(cfg.Providers.Orchestration)),
				api.WithCORS(cfg.Providers.Server.CORSOrigins),
				api.WithToolPolicy(cfg.Providers.Tools.Policy()),
			)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", addr).Msg("serving workflow API")
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("http shutdown")
			}
			server.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&ledgerDriver, "ledger", "", "ledger driver override (memory, file, redis, postgres)")
	cmd.Flags().StringVar(&ledgerFile, "ledger-file", "", "path of the file ledger")
	return cmd
}
