package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// statsView mirrors the admin API's GET /v1/stats body.
type statsView struct {
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Running     int    `json:"running_sessions"`
	GuestQueue  int    `json:"guest_queue"`
	Users       int    `json:"users"`
	Groups      int    `json:"groups"`
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show station runtime statistics",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var stats statsView
			if err := getJSON("/v1/stats", &stats); err != nil {
				return err
			}

			out, err := formatStats(stats, outputFormat)
			if err != nil {
				return fmt.Errorf("format stats: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// formatStats renders the stats in the requested format.
func formatStats(stats statsView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal stats to JSON: %w", err)
		}
		return string(data) + "\n", nil

	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Version:\t%s\n", stats.Version)
		fmt.Fprintf(w, "Connections:\t%d\n", stats.Connections)
		fmt.Fprintf(w, "Running Sessions:\t%d\n", stats.Running)
		fmt.Fprintf(w, "Guest Queue:\t%d\n", stats.GuestQueue)
		fmt.Fprintf(w, "Known Users:\t%d\n", stats.Users)
		fmt.Fprintf(w, "Known Groups:\t%d\n", stats.Groups)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil

	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
