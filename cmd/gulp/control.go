package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type controlFunc func(ctx context.Context, ids ...string) error

func newControlCmd(c *cli, name, short string, apply controlFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " ID...",
		Short: short,
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apply(c.app.Ctx(), args...); err != nil {
				return err
			}
			for _, id := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, pastTense[name])
			}
			return nil
		},
	}
}

var pastTense = map[string]string{
	"pause":   "paused",
	"resume":  "resumed",
	"cancel":  "canceled",
	"remove":  "removed",
	"restart": "restarted",
}

// The manager is only available once the root command opened the app, so
// control commands bind late.
func (c *cli) pause(ctx context.Context, ids ...string) error {
	return c.app.Queue.Pause(ctx, ids...)
}

func (c *cli) resume(ctx context.Context, ids ...string) error {
	return c.app.Queue.Resume(ctx, ids...)
}

func (c *cli) cancel(ctx context.Context, ids ...string) error {
	return c.app.Queue.Cancel(ctx, ids...)
}

func (c *cli) remove(ctx context.Context, ids ...string) error {
	return c.app.Queue.Remove(ctx, ids...)
}

func (c *cli) restart(ctx context.Context, ids ...string) error {
	return c.app.Queue.Restart(ctx, ids...)
}
