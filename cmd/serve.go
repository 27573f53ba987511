package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chadmayfield/weatherlogd/internal/ambient"
	"github.com/chadmayfield/weatherlogd/internal/api"
	"github.com/chadmayfield/weatherlogd/internal/backup"
	"github.com/chadmayfield/weatherlogd/internal/collector"
	"github.com/chadmayfield/weatherlogd/internal/schedule"
	"github.com/chadmayfield/weatherlogd/internal/store"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the weatherlogd daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	logger.Info("starting weatherlogd",
		"version", Version,
		"listen_addr", cfg.ListenAddr,
		"storage_path", cfg.Storage.Path,
		"mac_address", cfg.Ambient.MACAddress,
		"poll_interval", cfg.Ambient.PollInterval,
		"realtime", cfg.Ambient.Realtime,
		"backup_enabled", cfg.Backup.Enabled,
	)

	s, err := store.NewSQLiteStore(cfg.Storage.Path, logger)
	if err != nil {
		if errors.Is(err, store.ErrSchemaOutdated) {
			return fmt.Errorf("%w (run 'weatherlogd migrate' first)", err)
		}
		return err
	}
	defer s.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := ambient.NewClient(cfg.Ambient.APIKey, cfg.Ambient.ApplicationKey,
		ambient.WithBaseURL(cfg.Ambient.BaseURL),
		ambient.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	mgr, err := newBackupManager(ctx, cfg.Backup, cfg.Storage.Path, logger)
	if err != nil {
		return err
	}

	mac := cfg.Ambient.MACAddress
	coll := collector.NewCollector(s, client, mac, time.Duration(cfg.Ambient.PollInterval)*time.Second, logger)
	if cfg.Ambient.Realtime {
		stream, err := ambient.NewStream(cfg.Ambient.APIKey, cfg.Ambient.ApplicationKey,
			ambient.WithStreamURL(cfg.Ambient.RealtimeURL),
			ambient.WithStreamLogger(logger),
		)
		if err != nil {
			return err
		}
		coll.SetStream(stream)
	}

	srv := api.NewServer(&api.Handlers{
		Store:       s,
		Collector:   coll,
		Backups:     mgr,
		StoragePath: cfg.Storage.Path,
	}, logger)
	srv.SetVersion(Version)

	var sched *backup.Scheduler
	if mgr.Enabled() {
		daily, err := schedule.ParseCron(cfg.Backup.Schedule)
		if err != nil {
			return err
		}
		sched = backup.NewScheduler(mgr, daily, s, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Backfill gaps first so the collector's short polls only have to
		// cover the live edge.
		if cfg.Ambient.BackfillOnStartup {
			bf := collector.NewBackfiller(s, client, logger)
			if _, err := bf.DetectAndFill(gctx, mac, cfg.Ambient.BackfillMaxDays); err != nil && gctx.Err() == nil {
				logger.Error("backfill failed", "error", err)
			}
		}
		return coll.Start(gctx)
	})
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	logger.Info("weatherlogd ready", "addr", cfg.ListenAddr)

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		logger.Error("weatherlogd exited with error", "error", waitErr)
	}

	if err := s.Checkpoint(context.Background()); err != nil {
		logger.Warn("final checkpoint failed", "error", err)
	}

	logger.Info("weatherlogd shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}
