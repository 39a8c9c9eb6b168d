package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/leonunix/kbsync/internal/config"
	"github.com/leonunix/kbsync/internal/lock"
	"github.com/leonunix/kbsync/internal/status"
)

func newLockCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire or release a named lock by hand",
	}

	var owner string
	acquire := &cobra.Command{
		Use:   "acquire NAME",
		Short: "Acquire a lock and print its lock id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.steps.Locker.Acquire(cmd.Context(), args[0], owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]lock.Token{"lock_id": token})
		},
	}
	acquire.Flags().StringVar(&owner, "owner", "", "lock owner, usually an execution id")
	acquire.MarkFlagRequired("owner")

	var lockID string
	release := &cobra.Command{
		Use:   "release NAME",
		Short: "Release a lock held under the given lock id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.steps.Locker.Release(cmd.Context(), args[0], lock.Token(lockID))
		},
	}
	release.Flags().StringVar(&lockID, "lock-id", "", "lock id returned by acquire")
	release.MarkFlagRequired("lock-id")

	cmd.AddCommand(acquire, release)
	return cmd
}

func newStatusCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect or set tenant sync statuses",
	}

	get := &cobra.Command{
		Use:   "get OWNER TENANT",
		Short: "Print a tenant's stored record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tenants.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}

	var reason, execID string
	set := &cobra.Command{
		Use:   "set OWNER TENANT STATUS",
		Short: "Write a sync status with the bounded status retry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			written, err := a.steps.Propagator.Propagate(cmd.Context(), status.Update{
				OwnerID:  args[0],
				TenantID: args[1],
				Status:   args[2],
				Reason:   reason,
				ExecID:   execID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), written)
		},
	}
	set.Flags().StringVar(&reason, "reason", "", "failure reason")
	set.Flags().StringVar(&execID, "exec-id", "", "execution id (default: generated)")

	cmd.AddCommand(get, set)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
