package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/weatherlogd/internal/ambient"
	"github.com/chadmayfield/weatherlogd/internal/collector"
	"github.com/chadmayfield/weatherlogd/internal/store"
)

var (
	bfFrom string
	bfTo   string
	bfDays int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Manually backfill measurements from the REST API",
	Long: `Backfill fetches stored history for the configured device and inserts
what is missing. Without --from it fills from the newest stored measurement,
or --days of history when the database is empty.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().StringVar(&bfFrom, "from", "", "start date (YYYY-MM-DD)")
	backfillCmd.Flags().StringVar(&bfTo, "to", "", "end date (YYYY-MM-DD, default: now)")
	backfillCmd.Flags().IntVar(&bfDays, "days", 0, "days of history when the database is empty (default: backfill_max_days)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	client, err := ambient.NewClient(cfg.Ambient.APIKey, cfg.Ambient.ApplicationKey,
		ambient.WithBaseURL(cfg.Ambient.BaseURL),
		ambient.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// Support context cancellation via signals.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bf := collector.NewBackfiller(s, client, logger)
	mac := cfg.Ambient.MACAddress

	var res collector.BackfillResult
	if bfFrom == "" {
		days := bfDays
		if days <= 0 {
			days = cfg.Ambient.BackfillMaxDays
		}
		res, err = bf.DetectAndFill(ctx, mac, days)
	} else {
		var from, to time.Time
		from, to, err = backfillWindow(bfFrom, bfTo, time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info("backfilling device",
			"mac_address", mac,
			"from", from.Format(time.DateOnly),
			"to", to.Format(time.DateOnly),
		)
		res, err = bf.Backfill(ctx, mac, from, to)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Backfill complete: %d requests, %d readings, %d new\n", res.Requests, res.Fetched, res.Inserted)
	return nil
}

// backfillWindow parses the --from and --to dates. An empty to means now.
func backfillWindow(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	from, err := time.Parse(time.DateOnly, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date: %w", err)
	}
	to := now
	if toStr != "" {
		if to, err = time.Parse(time.DateOnly, toStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date: %w", err)
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from date must be before --to date")
	}
	return from, to, nil
}
