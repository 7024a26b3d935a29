package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ligustah/gulp/internal/netpolicy"
	"github.com/ligustah/gulp/internal/queue"
	"github.com/ligustah/gulp/internal/record"
)

func newEnqueueCmd(c *cli) *cobra.Command {
	var (
		req      queue.Request
		headers  []string
		networks []string
	)

	cmd := &cobra.Command{
		Use:   "enqueue URL",
		Short: "Add a download to the queue",
		Long: `Add a download to the queue and print its ID.

The file name is taken from --name, the response's Content-Disposition or
Content-Location headers, or the URL, in that order. Use --output to write
to an exact path instead.

Examples:
  gulp enqueue https://example.com/files/report.pdf
  gulp enqueue --name q1.pdf --header "Authorization: Bearer x" https://example.com/r
  gulp enqueue --allow-network wifi,ethernet https://example.com/big.iso`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.URL = args[0]

			h, err := parseHeaders(headers)
			if err != nil {
				return usageError{err}
			}
			req.Headers = h

			for _, n := range networks {
				t, err := netpolicy.ParseType(n)
				if err != nil || t == 0 {
					return usageError{fmt.Errorf("invalid --allow-network %q", n)}
				}
				req.AllowedNetworks |= t
			}

			id, err := c.app.Queue.Enqueue(c.app.Ctx(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.Hint, "name", "n", "", "preferred file name")
	f.StringVarP(&req.DestinationPath, "output", "o", "", "exact destination file")
	f.StringVar(&req.MimeType, "mime-type", "", "override the MIME type reported by the server")
	f.StringVar(&req.UserAgent, "user-agent", "", "User-Agent for this download")
	f.StringArrayVarP(&headers, "header", "H", nil, `extra request header "Name: value", repeatable`)
	f.StringSliceVar(&networks, "allow-network", nil, "allowed network types (mobile, wifi, ethernet), default all")
	f.BoolVar(&req.DenyRoaming, "no-roaming", false, "do not download while roaming")
	f.BoolVar(&req.NoIntegrity, "no-integrity", false, "allow resuming and finishing without an ETag or known size")
	f.BoolVar(&req.Paused, "paused", false, "enqueue without starting")
	return cmd
}

func parseHeaders(lines []string) (http.Header, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	h := make(http.Header, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// parseStatuses parses status names given to --status.
func parseStatuses(values []string) ([]record.Status, error) {
	var out []record.Status
	for _, v := range values {
		s, err := record.ParseStatus(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
