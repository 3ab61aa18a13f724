package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apphttp "tradegate/internal/http"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root.envFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					logger.Warn("store close failed", zap.Error(err))
				}
			}()

			n, err := a.reconcile(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Warn("interrupted executions need manual reconciliation", zap.Int("count", n))
			}
			go a.pipeline.Run(ctx)

			srv := apphttp.NewServer(cfg, a.pipeline, a.store, a.hub, a.gateway, logger)
			httpServer := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      srv.Router(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("tradegate API listening",
					zap.String("addr", cfg.ListenAddr),
					zap.String("store", cfg.StoreMode),
					zap.Bool("assistant", a.gateway != nil),
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("graceful shutdown failed", zap.Error(err))
			}
			logger.Info("tradegate API stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override LISTEN_ADDR")
	return cmd
}
