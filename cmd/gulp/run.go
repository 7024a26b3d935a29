package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ligustah/gulp/internal/app"
	"github.com/ligustah/gulp/internal/notify"
	"github.com/ligustah/gulp/internal/progress"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		opts       app.RunOptions
		noProgress bool
		concurrent int
		sweep      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the download queue",
		Long: `Process the download queue until interrupted.

Downloads interrupted by SIGINT or SIGTERM are left pending and resume on the
next run. With --until-idle the command exits once no download is pending or
running; downloads waiting to retry or for a network stay queued.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if concurrent > 0 {
				c.app.Config.MaxConcurrent = concurrent
			}
			if sweep {
				c.app.Config.SweepSpurious = true
			}

			ctx, cancel := context.WithCancel(c.app.Ctx())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					fmt.Fprintln(os.Stderr, "\n[gulp] Received interrupt, shutting down...")
					cancel()
				case <-ctx.Done():
				}
			}()

			if !noProgress && term.IsTerminal(int(os.Stdout.Fd())) {
				reporter := progress.NewReporter(progress.Options{Output: cmd.OutOrStdout()})
				reporter.Start()
				defer reporter.Stop()
				opts.Notifiers = append(opts.Notifiers, notify.Notifier(reporter))
			}

			return c.app.Run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.UntilIdle, "until-idle", false, "exit once nothing is pending or running")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&noProgress, "no-progress", false, "do not print progress even on a terminal")
	f.IntVarP(&concurrent, "concurrent", "j", 0, "maximum concurrent downloads")
	f.BoolVar(&sweep, "sweep", false, "delete files in the download directories that no download references")
	return cmd
}
