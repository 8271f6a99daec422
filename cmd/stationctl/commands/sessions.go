package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// sessionView mirrors one entry of the admin API's GET /v1/sessions body.
type sessionView struct {
	Identity   string    `json:"identity"`
	ClientAddr string    `json:"client_addr"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// sessionsResponse is the GET /v1/sessions body.
type sessionsResponse struct {
	Sessions []sessionView `json:"sessions"`
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the station's client sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp sessionsResponse
			if err := getJSON("/v1/sessions", &resp); err != nil {
				return err
			}

			out, err := formatSessions(resp.Sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// formatSessions renders the session list in the requested format.
func formatSessions(sessions []sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal sessions to JSON: %w", err)
		}
		return string(data) + "\n", nil

	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tCLIENT\tSTATE\tCREATED\tLAST-SEEN")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.Identity,
				s.ClientAddr,
				s.State,
				s.CreatedAt.Format(time.RFC3339),
				s.LastSeenAt.Format(time.RFC3339),
			)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil

	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
