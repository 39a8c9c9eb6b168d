package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonunix/kbsync/internal/config"
	"github.com/leonunix/kbsync/internal/server"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the build steps over HTTP for an external orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			slog.Info("kbsync server starting",
				"listen", cfg.Server.Listen,
				"blob_backend", cfg.Blob.Backend,
				"provisioning", cfg.Provisioning.Backend,
				"document_bucket", cfg.Index.DocumentBucket,
			)

			srv := &http.Server{
				Addr:    cfg.Server.Listen,
				Handler: server.New(a.steps),
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				slog.Info("server listening", "addr", cfg.Server.Listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-stop:
			}
			slog.Info("shutting down...")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Error("server shutdown error", "error", err)
			}
			slog.Info("kbsync stopped")
			return nil
		},
	}
}
