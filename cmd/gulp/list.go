package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/gulp/internal/progress"
	"github.com/ligustah/gulp/internal/queue"
	"github.com/ligustah/gulp/internal/record"
)

func newListCmd(c *cli) *cobra.Command {
	var (
		filter   queue.Filter
		statuses []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List downloads",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := parseStatuses(statuses)
			if err != nil {
				return usageError{err}
			}
			filter.Statuses = s

			recs, err := c.app.Queue.List(c.app.Ctx(), filter)
			if err != nil {
				return storageError{err}
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			return writeTable(cmd.OutOrStdout(), recs)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&statuses, "status", "s", nil, "only list downloads with these statuses")
	f.BoolVar(&filter.Unfinished, "unfinished", false, "hide successful downloads")
	f.BoolVar(&filter.Removed, "removed", false, "include downloads waiting for removal")
	f.BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newShowCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show one download",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := c.app.Queue.Get(c.app.Ctx(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			return writeDetails(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, recs []*record.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tFILE\tURL")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, record.Describe(rec), formatProgress(rec), rec.FilePath, rec.SourceURL)
	}
	return tw.Flush()
}

func writeDetails(w io.Writer, rec *record.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	row := func(name, value string) {
		if value != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", name, value)
		}
	}
	row("ID", rec.ID)
	row("Status", record.Describe(rec))
	row("Message", rec.Message)
	row("URL", rec.SourceURL)
	if rec.CurrentURL != rec.SourceURL {
		row("Current URL", rec.CurrentURL)
	}
	row("File", rec.FilePath)
	row("Destination", rec.DestinationPath)
	row("MIME type", rec.MimeType)
	row("Progress", formatProgress(rec))
	row("ETag", rec.ETag)
	if rec.FailCount > 0 {
		row("Failures", fmt.Sprint(rec.FailCount))
	}
	if !rec.RetryAt.IsZero() {
		row("Retry at", rec.RetryAt.Local().Format(time.RFC3339))
	}
	if rec.Paused() {
		row("Control", string(rec.Control))
	}
	row("Created", rec.CreatedAt.Local().Format(time.RFC3339))
	row("Modified", rec.LastModified.Local().Format(time.RFC3339))
	return tw.Flush()
}

func formatProgress(rec *record.Record) string {
	if rec.TotalBytes < 0 {
		return progress.FormatBytes(rec.BytesSoFar)
	}
	return fmt.Sprintf("%s / %s (%.0f%%)",
		progress.FormatBytes(rec.BytesSoFar),
		progress.FormatBytes(rec.TotalBytes),
		max(rec.Progress(), 0)*100)
}
