package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/logicalday"
)

const (
	retentionInterval  = 24 * time.Hour
	maintenanceTimeout = time.Minute
)

type offlineMarker interface {
	MarkOffline(ctx context.Context, before time.Time) (int64, error)
}

type MaintenanceConfig struct {
	OfflineAfter  time.Duration
	SweepInterval time.Duration
	RetentionDays int
	OffsetMinutes int
}

// MaintenanceScheduler runs the periodic housekeeping jobs: marking silent
// devices offline and purging ledger days past retention. Either dependency
// may be nil, which disables its job.
type MaintenanceScheduler struct {
	devices offlineMarker
	ledger  accounting.RetentionLedger
	cfg     MaintenanceConfig
	clock   quartz.Clock
	log     *slog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMaintenanceScheduler(devices offlineMarker, ledger accounting.RetentionLedger, cfg MaintenanceConfig, clock quartz.Clock, log *slog.Logger) *MaintenanceScheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	return &MaintenanceScheduler{
		devices:  devices,
		ledger:   ledger,
		cfg:      cfg,
		clock:    clock,
		log:      log.With(slog.String("component", "maintenance")),
		stopChan: make(chan struct{}),
	}
}

func (s *MaintenanceScheduler) Start() {
	if s.devices != nil && s.cfg.OfflineAfter > 0 && s.cfg.SweepInterval > 0 {
		s.run("offline_sweep", s.cfg.SweepInterval, s.sweepOffline)
	}
	if s.ledger != nil && s.cfg.RetentionDays > 0 {
		s.run("retention_purge", retentionInterval, s.purgeRetention)
	}
	s.log.Info("maintenance scheduler started")
}

// Stop ends every job and waits for a run in progress to return.
func (s *MaintenanceScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *MaintenanceScheduler) run(name string, interval time.Duration, runFn func(ctx context.Context, now time.Time)) {
	ticker := s.clock.NewTicker(interval, "maintenance", name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		// Run on startup as well as by interval.
		s.runOnce(runFn)
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.runOnce(runFn)
			}
		}
	}()
}

func (s *MaintenanceScheduler) runOnce(runFn func(ctx context.Context, now time.Time)) {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	runFn(ctx, s.clock.Now().UTC())
}

func (s *MaintenanceScheduler) sweepOffline(ctx context.Context, now time.Time) {
	n, err := s.devices.MarkOffline(ctx, now.Add(-s.cfg.OfflineAfter))
	if err != nil {
		s.log.Error("offline sweep failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		s.log.Info("devices marked offline", slog.Int64("count", n))
	}
}

func (s *MaintenanceScheduler) purgeRetention(ctx context.Context, now time.Time) {
	cutoff, err := retentionCutoff(now, s.cfg.OffsetMinutes, s.cfg.RetentionDays)
	if err != nil {
		s.log.Error("retention purge: computing cutoff failed", slog.Any("err", err))
		return
	}
	n, err := s.ledger.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("retention purge failed", slog.String("before", cutoff), slog.Any("err", err))
		return
	}
	if n > 0 {
		s.log.Info("ledger minutes purged", slog.String("before", cutoff), slog.Int64("count", n))
	}
}

// retentionCutoff is the oldest logical day kept when retaining days days,
// today included.
func retentionCutoff(now time.Time, offsetMinutes, days int) (string, error) {
	today, err := logicalday.For(now, offsetMinutes)
	if err != nil {
		return "", err
	}
	return logicalday.AddDays(today, -(days - 1))
}
