package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/leonunix/kbsync/internal/config"
	"github.com/leonunix/kbsync/internal/shared"
	"github.com/leonunix/kbsync/internal/store"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	var once bool
	var tenants []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run builds in process, once or on the configured schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			requested, err := parseTenants(tenants)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			r := a.runner()

			if once {
				report, err := r.Run(ctx, requested)
				if err != nil {
					return err
				}
				if report.Status != store.SyncSucceeded {
					return fmt.Errorf("build %s %s: %s", report.ExecID, strings.ToLower(report.Status), report.Reason)
				}
				slog.Info("build completed, exiting", "exec_id", report.ExecID)
				return nil
			}

			c := cron.New()
			_, err = c.AddFunc(cfg.Runner.Schedule, func() {
				slog.Info("scheduled build starting")
				report, err := r.Run(ctx, requested)
				if err != nil {
					slog.Error("scheduled build failed", "error", err)
					return
				}
				slog.Info("scheduled build finished", "exec_id", report.ExecID, "status", report.Status)
			})
			if err != nil {
				return fmt.Errorf("invalid cron schedule %q: %w", cfg.Runner.Schedule, err)
			}

			c.Start()
			slog.Info("build scheduler started", "schedule", cfg.Runner.Schedule)

			<-ctx.Done()
			slog.Info("shutting down...")
			<-c.Stop().Done()
			slog.Info("kbsync stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single build and exit (ignore schedule)")
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "owner/tenant to build; repeatable (default: every QUEUED tenant)")
	return cmd
}

// parseTenants turns owner/tenant pairs into build requests.
func parseTenants(pairs []string) ([]shared.TenantRequest, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make([]shared.TenantRequest, 0, len(pairs))
	for _, p := range pairs {
		owner, tenant, ok := strings.Cut(p, "/")
		if !ok || owner == "" || tenant == "" {
			return nil, fmt.Errorf("invalid tenant %q, want owner/tenant", p)
		}
		out = append(out, shared.TenantRequest{OwnerID: owner, TenantID: tenant})
	}
	return out, nil
}
