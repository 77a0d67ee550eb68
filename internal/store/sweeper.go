package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically purges messages past the retention horizon. Sweep
// failures are logged, never fatal.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewSweeper builds a sweeper over the store. Defaults: retention 24h,
// interval 6h.
func NewSweeper(s *Store, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Sweeper{
		store:     s,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "sweeper"),
	}
}

// Start registers and starts the periodic sweep.
func (sw *Sweeper) Start() error {
	sw.cron = cron.New()
	_, err := sw.cron.AddFunc(fmt.Sprintf("@every %s", sw.interval), sw.Sweep)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sw.cron.Start()
	sw.logger.Info("retention sweep scheduled", "interval", sw.interval, "retention", sw.retention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	if sw.cron != nil {
		<-sw.cron.Stop().Done()
	}
}

// Sweep runs one purge pass immediately.
func (sw *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := time.Now()
	if _, err := sw.store.PurgeOlderThan(ctx, now.Add(-sw.retention), now); err != nil {
		sw.logger.Error("retention sweep failed", "error", err)
	}
}
