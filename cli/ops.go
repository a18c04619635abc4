package cli

import (
	"fmt"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/queue"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired cache rows and old federation work, reset stalled items",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			report, err := a.maintainer.Cleanup(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only count what would be cleaned")
	return cmd
}

func newPrewarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prewarm",
		Short: "Re-resolve popular WebFinger entries that are about to expire",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			report, err := a.maintainer.Prewarm(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}),
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show federation queue health and per-partition counts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			h, err := a.queue.Health(cmd.Context())
			if err != nil {
				return err
			}
			partitions, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"queue": h, "partitions": partitions})
		}),
	}
}

func newHealthCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the queue health summary and recomputed remote instance scores",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			if _, err := a.tracker.Refresh(ctx); err != nil {
				return err
			}
			h, err := a.queue.Health(ctx)
			if err != nil {
				return err
			}
			instances, err := a.tracker.ListInstances(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*queue.Health
				Instances []domain.RemoteInstance `json:"instances"`
			}{h, instances})
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of instances")
	return cmd
}

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List, block and unblock remote instances",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List remote instances, busiest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			instances, err := a.tracker.ListInstances(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), instances)
		}),
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of instances")

	cmd.AddCommand(list, newBlockCmd("block", true), newBlockCmd("unblock", false))
	return cmd
}

func newBlockCmd(use string, blocked bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <host>",
		Short: fmt.Sprintf("Mark a remote instance as %sed", use),
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.tracker.SetBlocked(cmd.Context(), args[0], blocked); err != nil {
				return fmt.Errorf("%s %s: %w", use, args[0], err)
			}
			inst, err := a.tracker.Instance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inst)
		}),
	}
}

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Check, list and acknowledge federation alerts",
	}

	var unackOnly bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			alerts, err := a.monitor.List(cmd.Context(), unackOnly, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), alerts)
		}),
	}
	list.Flags().BoolVar(&unackOnly, "unacknowledged", false, "only alerts nobody acknowledged yet")
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of alerts")

	check := &cobra.Command{
		Use:   "check",
		Short: "Compare queue and instance health to the thresholds now",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.tracker.Refresh(cmd.Context()); err != nil {
				return err
			}
			raised, err := a.monitor.Check(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raised)
		}),
	}

	ack := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid alert id %q: %w", args[0], err)
			}
			alert, err := a.monitor.Acknowledge(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), alert)
		}),
	}

	cmd.AddCommand(list, check, ack)
	return cmd
}

func newResolveCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "resolve <user@domain>",
		Short: "Resolve a remote account to its actor and inbox",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			resolve := a.resolver.Resolve
			if refresh {
				resolve = a.resolver.Refresh
			}
			res, err := resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore a fresh cache entry")
	return cmd
}

func newFollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <local user> <user@domain>",
		Short: "Queue a Follow from a local account to a remote account",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			res, err := a.follower.Follow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
}
