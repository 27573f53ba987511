package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running weatherlogd instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "weatherlogd server URL")
	rootCmd.AddCommand(statusCmd)
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Collector *struct {
		MACAddress            string    `json:"mac_address"`
		Running               bool      `json:"running"`
		Streaming             bool      `json:"streaming"`
		LastPollAt            time.Time `json:"last_poll_at"`
		LastObsAt             time.Time `json:"last_obs_at"`
		ObservationAgeSeconds float64   `json:"observation_age_seconds"`
		Inserted              int64     `json:"inserted"`
		Duplicates            int64     `json:"duplicates"`
		ErrorCount            int       `json:"error_count"`
		LastError             string    `json:"last_error"`
	} `json:"collector"`
	Database struct {
		Driver        string `json:"driver"`
		Status        string `json:"status"`
		SizeBytes     int64  `json:"size_bytes"`
		TotalRecords  int64  `json:"total_measurements"`
		SchemaVersion int    `json:"schema_version"`
	} `json:"database"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	resp, err := client.Get(statusServer + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var health healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printHealth(cmd.OutOrStdout(), &health)
	return nil
}

func printHealth(w io.Writer, health *healthResponse) {
	fmt.Fprintf(w, "weatherlogd %s\n", health.Version)
	fmt.Fprintf(w, "Status: %s\n", health.Status)
	fmt.Fprintf(w, "Uptime: %s\n", health.Uptime)
	fmt.Fprintln(w)

	if c := health.Collector; c != nil {
		state := "stopped"
		switch {
		case c.Running && c.Streaming:
			state = "running, realtime"
		case c.Running:
			state = "running, polling"
		}
		fmt.Fprintf(w, "Collector: %s (%s)\n", c.MACAddress, state)
		if !c.LastObsAt.IsZero() {
			fmt.Fprintf(w, "  Last measurement: %s (%.0fs ago)\n", c.LastObsAt.Format(time.RFC3339), c.ObservationAgeSeconds)
		}
		fmt.Fprintf(w, "  Stored: %s new, %s duplicates\n", humanize.Comma(c.Inserted), humanize.Comma(c.Duplicates))
		if c.ErrorCount > 0 {
			fmt.Fprintf(w, "  Errors: %d (last: %s)\n", c.ErrorCount, c.LastError)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Database: %s (schema v%d, %s)\n", health.Database.Driver, health.Database.SchemaVersion, health.Database.Status)
	if health.Database.SizeBytes > 0 {
		fmt.Fprintf(w, "  Size: %s\n", humanize.IBytes(uint64(health.Database.SizeBytes)))
	}
	if health.Database.TotalRecords > 0 {
		fmt.Fprintf(w, "  Measurements: %s\n", humanize.Comma(health.Database.TotalRecords))
	}
}
