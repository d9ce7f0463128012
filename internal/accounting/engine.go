package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"worktrack-collector/internal/logicalday"
	"worktrack-collector/internal/metrics"
	"worktrack-collector/internal/models"
)

// Publisher receives live usage updates. Delivery is best effort.
type Publisher interface {
	PublishUsage(ctx context.Context, update models.UsageUpdate) error
}

type NopPublisher struct{}

func (NopPublisher) PublishUsage(context.Context, models.UsageUpdate) error { return nil }

type Config struct {
	OffsetMinutes  int
	FlushThreshold int
	FlushInterval  time.Duration
	IdleTTL        time.Duration
	MaxClockSkew   time.Duration
	Guard          GuardConfig
}

// Result describes what a single heartbeat did to its device's daily total.
type Result struct {
	DeviceID   string
	LogicalDay string
	Action     Action
	Counted    int
	Total      int
	Pending    int
	Anomalies  []AnomalyDetected
}

// Engine turns heartbeats into minute-accurate daily totals.
type Engine struct {
	ledger    Ledger
	store     *AccumulatorStore
	guard     *Guard
	clock     quartz.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	publisher Publisher
	cfg       Config
}

// New returns an Engine backed by ledger. It is the caller's responsibility
// to call Start and Close.
func New(ledger Ledger, cfg Config, opts ...Option) (*Engine, error) {
	if err := logicalday.Validate(cfg.OffsetMinutes); err != nil {
		return nil, err
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	o := buildOptions(opts)
	guard := NewGuard(cfg.Guard)
	store := newAccumulatorStore(ledger, StoreConfig{
		OffsetMinutes:  cfg.OffsetMinutes,
		FlushThreshold: cfg.FlushThreshold,
		FlushInterval:  cfg.FlushInterval,
		IdleTTL:        cfg.IdleTTL,
		CeilingMinutes: guard.Config().CeilingMinutes,
	}, o)
	return &Engine{
		ledger:    ledger,
		store:     store,
		guard:     guard,
		clock:     o.clock,
		log:       o.log,
		metrics:   o.metrics,
		publisher: o.publisher,
		cfg:       cfg,
	}, nil
}

func (e *Engine) Start() { e.store.Start() }

// Close stops background flushing and writes what is still pending.
func (e *Engine) Close(ctx context.Context) error { return e.store.Close(ctx) }

func (e *Engine) Flush(ctx context.Context) error {
	_, err := e.store.Flush(ctx)
	return err
}

func (e *Engine) Store() *AccumulatorStore { return e.store }

func (e *Engine) OffsetMinutes() int { return e.cfg.OffsetMinutes }

// Today returns the current logical day.
func (e *Engine) Today() string {
	day, _ := logicalday.For(e.clock.Now(), e.cfg.OffsetMinutes)
	return day
}

// Ingest applies one heartbeat. Apart from structural validation failures,
// a heartbeat is always accepted: storage trouble and suspicious signals
// are logged and absorbed here.
func (e *Engine) Ingest(ctx context.Context, ev HeartbeatEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	now := e.clock.Now()
	res := Result{DeviceID: ev.DeviceID}

	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}
	if skew := at.Sub(now); skew > e.cfg.MaxClockSkew || skew < -e.cfg.MaxClockSkew {
		res.Anomalies = append(res.Anomalies, AnomalyDetected{
			Kind:   AnomalyClockSkew,
			Detail: fmt.Sprintf("heartbeat time %s is %s from server time", at.UTC().Format(time.RFC3339), skew.Round(time.Second)),
		})
		at = now
	}

	day, err := logicalday.For(at, e.cfg.OffsetMinutes)
	if err != nil {
		return Result{}, err
	}
	res.LogicalDay = day

	if inc, ok := ev.Signal.(Incremental); ok && inc.Day != "" && inc.Day != day {
		res.Anomalies = append(res.Anomalies, AnomalyDetected{
			Kind:   AnomalyDayMismatch,
			Detail: fmt.Sprintf("agent reported day %s, counted on %s", inc.Day, day),
		})
	}

	err = e.store.update(ctx, ev.DeviceID, day, func(en *entry) error {
		d := e.guard.Evaluate(en.guardState(), ev.Signal)
		res.Action = d.Action
		if d.Anomaly != nil {
			res.Anomalies = append(res.Anomalies, *d.Anomaly)
		}
		switch d.Action {
		case ActionReset:
			if err := e.store.resetEntry(ctx, en); err != nil {
				// Nothing is counted; the next heartbeat sees the same total and retries.
				e.log.Error("resetting absurd daily total failed",
					slog.String("device_id", ev.DeviceID),
					slog.String("logical_day", day),
					slog.Any("err", err),
				)
				break
			}
			res.Counted = en.count(d.Delta, at, ev.Activity)
		case ActionApply:
			res.Counted = en.count(d.Delta, at, ev.Activity)
		}
		en.observe(ev.Signal, now, ev.Activity)
		res.Total = en.accumulated
		res.Pending = len(en.pending)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	for _, a := range res.Anomalies {
		e.metrics.Anomaly(string(a.Kind))
		e.log.Warn("usage anomaly",
			slog.String("device_id", ev.DeviceID),
			slog.String("logical_day", day),
			slog.String("kind", string(a.Kind)),
			slog.String("detail", a.Detail),
		)
	}
	e.metrics.Counted(res.Counted)

	if res.Pending >= e.cfg.FlushThreshold {
		e.store.signalFlush()
	}
	if res.Counted > 0 || res.Action == ActionReset {
		e.publish(ctx, res, now)
	}
	return res, nil
}

func (e *Engine) publish(ctx context.Context, res Result, now time.Time) {
	update := models.UsageUpdate{
		DeviceID:     res.DeviceID,
		LogicalDay:   res.LogicalDay,
		TotalMinutes: res.Total,
		Counted:      res.Counted,
		At:           now,
	}
	if err := e.publisher.PublishUsage(ctx, update); err != nil {
		e.log.Warn("publishing usage update failed",
			slog.String("device_id", res.DeviceID),
			slog.Any("err", err),
		)
	}
}

// DailyTotal returns the persisted and live totals for a device. An empty
// day means today.
func (e *Engine) DailyTotal(ctx context.Context, deviceID, day string) (models.DeviceUsage, error) {
	day, err := e.resolveDay(deviceID, day)
	if err != nil {
		return models.DeviceUsage{}, err
	}
	persisted, err := e.ledger.DailyTotal(ctx, deviceID, day)
	if err != nil {
		return models.DeviceUsage{}, persistenceErr("daily_total", err)
	}
	live, _ := e.store.peek(deviceID, day)
	return models.DeviceUsage{
		DeviceID:         deviceID,
		LogicalDay:       day,
		PersistedMinutes: persisted,
		LiveMinutes:      live,
		TotalMinutes:     max(persisted, live),
	}, nil
}

// ResetDailyTotal discards everything recorded for a device on day, both in
// the ledger and in memory.
func (e *Engine) ResetDailyTotal(ctx context.Context, deviceID, day string) error {
	day, err := e.resolveDay(deviceID, day)
	if err != nil {
		return err
	}
	err = e.store.update(ctx, deviceID, day, func(en *entry) error {
		return e.store.resetEntry(ctx, en)
	})
	if err != nil {
		return err
	}
	e.log.Info("daily total reset",
		slog.String("device_id", deviceID),
		slog.String("logical_day", day),
	)
	e.publish(ctx, Result{DeviceID: deviceID, LogicalDay: day, Action: ActionReset}, e.clock.Now())
	return nil
}

func (e *Engine) resolveDay(deviceID, day string) (string, error) {
	fields := map[string]string{}
	if deviceID == "" {
		fields["device_id"] = "Required"
	}
	if day == "" {
		day = e.Today()
	} else if _, err := logicalday.Parse(day); err != nil {
		fields["day"] = "Must be YYYY-MM-DD"
	}
	if len(fields) > 0 {
		return "", &ValidationError{Fields: fields}
	}
	return day, nil
}
