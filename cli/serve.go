package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/fedcore/maintenance"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve WebFinger and the operator API, deliver queued activities and run scheduled maintenance",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		}),
	}
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

func (a *app) jobs() []job {
	f := a.conf.Federation
	return []job{
		{"cleanup", f.CleanupSchedule, func(ctx context.Context) error {
			_, err := a.maintainer.Cleanup(ctx, false)
			return err
		}},
		{"alerts", f.AlertSchedule, func(ctx context.Context) error {
			// scores first so instance alerts see the current window
			if _, err := a.tracker.Refresh(ctx); err != nil {
				return err
			}
			_, err := a.monitor.Check(ctx)
			return err
		}},
		{"prewarm", f.PrewarmSchedule, func(ctx context.Context) error {
			_, err := a.maintainer.Prewarm(ctx)
			return err
		}},
	}
}

// serve runs until ctx is done or a component fails.
func serve(ctx context.Context, a *app) error {
	scheduler := maintenance.NewScheduler()
	for _, j := range a.jobs() {
		if err := scheduler.Add(j.name, j.spec, j.run); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.delivery.Run(ctx)
	})
	g.Go(func() error {
		return a.server().ListenAndServe(ctx)
	})

	log.Info().Str("component", "serve").Str("sslDomain", a.conf.Conf.SslDomain).Int("partitions", a.queue.Partitions()).Msg(util.GetNameAndVersion() + " running")
	err := g.Wait()
	log.Info().Str("component", "serve").Msg("fedcore stopped")
	return err
}
