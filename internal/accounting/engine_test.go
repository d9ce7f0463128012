package accounting_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/metrics"
	"worktrack-collector/internal/models"
	"worktrack-collector/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	offset = -180
	device = "pc-042"
	today  = "2024-01-01"
)

// 12:00 UTC is 09:00 local on 2024-01-01 at UTC-3.
var noon = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine  *accounting.Engine
	ledger  *repository.MemoryLedger
	clock   *quartz.Mock
	updates *fakePublisher
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, ledger *repository.MemoryLedger, mutate ...func(*accounting.Config)) *harness {
	t.Helper()

	if ledger == nil {
		ledger = repository.NewMemoryLedger(offset)
	}
	clock := quartz.NewMock(t)
	clock.Set(noon)

	cfg := accounting.Config{OffsetMinutes: offset, Guard: accounting.DefaultGuardConfig()}
	for _, fn := range mutate {
		fn(&cfg)
	}

	pub := &fakePublisher{}
	m := metrics.New(prometheus.NewRegistry())
	engine, err := accounting.New(ledger, cfg,
		accounting.WithClock(clock),
		accounting.WithPublisher(pub),
		accounting.WithMetrics(m),
		accounting.WithTickChannel(make(chan time.Time)),
	)
	require.NoError(t, err)
	return &harness{engine: engine, ledger: ledger, clock: clock, updates: pub, metrics: m}
}

func (h *harness) ingest(t *testing.T, ev accounting.HeartbeatEvent) accounting.Result {
	t.Helper()
	res, err := h.engine.Ingest(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func (h *harness) usage(t *testing.T, deviceID, day string) models.DeviceUsage {
	t.Helper()
	u, err := h.engine.DailyTotal(context.Background(), deviceID, day)
	require.NoError(t, err)
	return u
}

func incremental(deviceID string, at time.Time, minutes int) accounting.HeartbeatEvent {
	return accounting.HeartbeatEvent{
		DeviceID:  deviceID,
		Timestamp: at,
		Signal:    accounting.Incremental{Minutes: minutes},
		Activity:  models.ActivitySnapshot{CurrentActivity: "editing"},
	}
}

func legacy(deviceID string, at time.Time, total int) accounting.HeartbeatEvent {
	return accounting.HeartbeatEvent{
		DeviceID:  deviceID,
		Timestamp: at,
		Signal:    accounting.LegacyAbsolute{CumulativeMinutes: total},
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []models.UsageUpdate
	err     error
}

func (f *fakePublisher) PublishUsage(_ context.Context, u models.UsageUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return f.err
}

func (f *fakePublisher) all() []models.UsageUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UsageUpdate(nil), f.updates...)
}

func TestIngest_TwelveHeartbeatsOneSummaryRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	for i := 0; i < 12; i++ {
		res := h.ingest(t, incremental(device, h.clock.Now(), 1))
		require.Equal(t, 1, res.Counted)
		require.Equal(t, i+1, res.Total)
		h.clock.Advance(time.Minute)
	}
	require.NoError(t, h.engine.Flush(ctx))

	u := h.usage(t, device, today)
	require.Equal(t, 12, u.PersistedMinutes)
	require.Equal(t, 12, u.TotalMinutes)

	reporter := accounting.NewReporter(h.ledger, offset, h.clock)
	report, err := reporter.DailySummary(ctx, "", "", "")
	require.NoError(t, err)
	require.Equal(t, []models.DailyTotal{{DeviceID: device, LogicalDay: today, TotalMinutes: 12}}, report.Rows)
	require.Equal(t, "2023-12-26", report.StartDay)
	require.Equal(t, today, report.EndDay)
}

func TestIngest_DuplicateDeliveryCountsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	ev := incremental(device, noon.Add(20*time.Second), 1)
	first := h.ingest(t, ev)
	second := h.ingest(t, ev)
	// Same minute, later second.
	third := h.ingest(t, incremental(device, noon.Add(50*time.Second), 1))

	require.Equal(t, 1, first.Counted)
	require.Zero(t, second.Counted)
	require.Zero(t, third.Counted)
	require.Equal(t, 1, third.Total)

	require.NoError(t, h.engine.Flush(ctx))
	require.Equal(t, 1, h.usage(t, device, today).PersistedMinutes)
}

func TestDailyTotal_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.ingest(t, incremental(device, noon, 1))
	require.NoError(t, h.engine.Flush(context.Background()))

	a := h.usage(t, device, today)
	b := h.usage(t, device, today)
	require.Equal(t, a, b)
}

func TestIngest_Monotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	signals := []accounting.HeartbeatEvent{
		incremental(device, noon, 1),
		incremental(device, noon.Add(time.Minute), 0),
		incremental(device, noon.Add(2*time.Minute), -3),
		incremental(device, noon.Add(3*time.Minute), 2),
		legacy(device, noon.Add(4*time.Minute), 2),
		legacy(device, noon.Add(5*time.Minute), 1),
		legacy(device, noon.Add(6*time.Minute), 400),
		incremental(device, noon.Add(7*time.Minute), 5),
	}

	last := 0
	for _, ev := range signals {
		h.clock.Set(ev.Timestamp)
		res := h.ingest(t, ev)
		require.GreaterOrEqual(t, res.Total, last)
		last = res.Total
	}
}

func TestIngest_RestartRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 42))

	h := newHarness(t, ledger)
	require.Equal(t, 42, h.usage(t, device, today).TotalMinutes)

	res := h.ingest(t, incremental(device, noon, 1))
	require.Equal(t, 43, res.Total)

	require.NoError(t, h.engine.Flush(ctx))
	u := h.usage(t, device, today)
	require.Equal(t, 43, u.PersistedMinutes)
	require.Equal(t, 43, u.LiveMinutes)
}

func TestIngest_RestartResendReconciles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)

	before := newHarness(t, ledger)
	for i := 0; i < 3; i++ {
		before.ingest(t, incremental(device, noon.Add(time.Duration(i)*time.Minute), 1))
	}
	require.NoError(t, before.engine.Close(ctx))

	// A new process receives the last heartbeat again.
	after := newHarness(t, ledger)
	after.clock.Set(noon.Add(2*time.Minute + 30*time.Second))
	res := after.ingest(t, incremental(device, noon.Add(2*time.Minute), 1))
	require.Equal(t, 4, res.Total)

	require.NoError(t, after.engine.Flush(ctx))
	u := after.usage(t, device, today)
	require.Equal(t, 3, u.PersistedMinutes)
	require.Equal(t, 3, u.LiveMinutes)
	require.Equal(t, 1.0, testutil.ToFloat64(after.metrics.MinutesDuplicate))
}

func TestIngest_AbsurdTotalResets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 1000))

	h := newHarness(t, ledger)
	res := h.ingest(t, incremental(device, noon, 500))
	require.Equal(t, accounting.ActionReset, res.Action)
	require.LessOrEqual(t, res.Total, 60)
	require.Positive(t, res.Total)
	require.Len(t, res.Anomalies, 1)
	require.Equal(t, accounting.AnomalyAbsurdTotal, res.Anomalies[0].Kind)

	require.NoError(t, h.engine.Flush(ctx))
	u := h.usage(t, device, today)
	require.LessOrEqual(t, u.PersistedMinutes, 60)
	require.Equal(t, res.Total, u.PersistedMinutes)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(string(accounting.AnomalyAbsurdTotal))))
}

func TestIngest_ResetRetriesConflicts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 1000))
	ledger.ConflictResets(5)

	h := newHarness(t, ledger)
	trap := h.clock.Trap().NewTimer("reset_backoff")
	defer trap.Close()

	type result struct {
		res accounting.Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.engine.Ingest(ctx, incremental(device, noon, 1))
		done <- result{res, err}
	}()

	for i := 0; i < 5; i++ {
		call := trap.MustWait(ctx)
		call.MustRelease(ctx)
		h.clock.Advance(call.Duration).MustWait(ctx)
	}

	got := <-done
	require.NoError(t, got.err)
	require.Equal(t, accounting.ActionReset, got.res.Action)
	require.Equal(t, 1, got.res.Total)
}

func TestIngest_ResetConflictStopsWithContext(t *testing.T) {
	t.Parallel()

	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 1000))
	ledger.ConflictResets(1)

	h := newHarness(t, ledger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.engine.Ingest(ctx, incremental(device, noon, 1))
	require.NoError(t, err)
	require.Zero(t, res.Counted)
	require.Equal(t, 1000, res.Total)
}

func TestIngest_FailedResetCountsNothing(t *testing.T) {
	t.Parallel()

	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 1000))
	ledger.FailReset(1)

	h := newHarness(t, ledger)
	res := h.ingest(t, incremental(device, noon, 1))
	require.Zero(t, res.Counted)
	require.Equal(t, 1000, res.Total)

	// The next heartbeat retries the reset.
	h.clock.Advance(time.Minute)
	res = h.ingest(t, incremental(device, h.clock.Now(), 1))
	require.Equal(t, 1, res.Total)
}

func TestIngest_CapReached(t *testing.T) {
	t.Parallel()

	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 958))

	h := newHarness(t, ledger)
	res := h.ingest(t, incremental(device, noon, 5))
	require.Equal(t, 2, res.Counted)
	require.Equal(t, 960, res.Total)

	h.clock.Advance(time.Minute)
	res = h.ingest(t, incremental(device, h.clock.Now(), 1))
	require.Equal(t, accounting.ActionCap, res.Action)
	require.Zero(t, res.Counted)
	require.Equal(t, 960, res.Total)
}

func TestIngest_LegacyJumpSuppressed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	first := h.ingest(t, legacy(device, noon, 10))
	require.Equal(t, 10, first.Total)

	h.clock.Advance(time.Minute)
	second := h.ingest(t, legacy(device, h.clock.Now(), 500))
	require.Equal(t, 1, second.Total-first.Total)
	require.Equal(t, accounting.AnomalyLegacyJump, second.Anomalies[0].Kind)

	h.clock.Advance(2 * time.Minute)
	third := h.ingest(t, legacy(device, h.clock.Now(), 502))
	require.Equal(t, 2, third.Counted)
}

func TestIngest_LegacyRestartAfterServerRestart(t *testing.T) {
	t.Parallel()

	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 42))

	h := newHarness(t, ledger)
	// The agent restarted too and its counter starts over.
	res := h.ingest(t, legacy(device, noon, 1))
	require.Equal(t, 43, res.Total)
}

func TestIngest_TimezoneBoundary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	beforeMidnight := time.Date(2024, 1, 2, 2, 59, 30, 0, time.UTC)
	h.clock.Set(beforeMidnight)
	res := h.ingest(t, incremental(device, beforeMidnight, 1))
	require.Equal(t, "2024-01-01", res.LogicalDay)

	afterMidnight := time.Date(2024, 1, 2, 3, 1, 10, 0, time.UTC)
	h.clock.Set(afterMidnight)
	res = h.ingest(t, incremental(device, afterMidnight, 5))
	require.Equal(t, "2024-01-02", res.LogicalDay)
	// Backfill stops at the start of the day.
	require.Equal(t, 2, res.Counted)

	require.NoError(t, h.engine.Flush(ctx))
	require.Equal(t, 1, h.usage(t, device, "2024-01-01").PersistedMinutes)
	require.Equal(t, 2, h.usage(t, device, "2024-01-02").PersistedMinutes)
	require.Equal(t, []time.Time{
		time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 3, 1, 0, 0, time.UTC),
	}, h.ledger.Minutes(device, "2024-01-02"))
}

func TestFlush_FailureRetriedWithoutLoss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.ingest(t, incremental(device, noon.Add(time.Duration(i)*time.Minute), 1))
	}

	h.ledger.FailRecordMinute(1)
	err := h.engine.Flush(ctx)
	require.Error(t, err)
	var pe *accounting.PersistenceError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "record_minute", pe.Op)
	require.ErrorIs(t, err, repository.ErrInjected)
	require.Zero(t, h.usage(t, device, today).PersistedMinutes)

	require.NoError(t, h.engine.Flush(ctx))
	u := h.usage(t, device, today)
	require.Equal(t, 3, u.PersistedMinutes)
	require.Equal(t, 3, u.LiveMinutes)
}

func TestFlush_LostAcknowledgementNotDoubleCounted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.ingest(t, incremental(device, noon.Add(time.Duration(i)*time.Minute), 1))
	}

	h.ledger.LoseRecordAcks(1)
	require.Error(t, h.engine.Flush(ctx))
	require.NoError(t, h.engine.Flush(ctx))

	u := h.usage(t, device, today)
	require.Equal(t, 3, u.PersistedMinutes)
	require.Equal(t, 3, u.LiveMinutes)
}

func TestIngest_SeedFailureStillAccepted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 10))
	ledger.FailDailyTotal(1)

	h := newHarness(t, ledger)
	res := h.ingest(t, incremental(device, noon, 1))
	require.Equal(t, 1, res.Counted)

	require.NoError(t, h.engine.Flush(ctx))
	u := h.usage(t, device, today)
	require.Equal(t, 11, u.PersistedMinutes)
	require.Equal(t, 11, u.LiveMinutes)
}

func TestIngest_SeedFailureAtCeilingDropsMinutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)
	require.NoError(t, ledger.Seed(device, today, 960))
	ledger.FailDailyTotal(1)

	h := newHarness(t, ledger)
	res := h.ingest(t, incremental(device, noon, 1))
	require.Equal(t, 1, res.Counted)

	require.NoError(t, h.engine.Flush(ctx))
	u := h.usage(t, device, today)
	require.Equal(t, 960, u.PersistedMinutes)
	require.Equal(t, 960, u.LiveMinutes)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(string(accounting.AnomalyCapReached))))

	// The day is capped, not wiped.
	h.clock.Advance(time.Minute)
	res = h.ingest(t, incremental(device, h.clock.Now(), 1))
	require.Equal(t, accounting.ActionCap, res.Action)
	require.Equal(t, 960, res.Total)
	require.Zero(t, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(string(accounting.AnomalyAbsurdTotal))))
}

func TestFlush_RestartResendAfterFailedWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)

	before := newHarness(t, ledger)
	for i := 0; i < 3; i++ {
		before.ingest(t, incremental(device, noon.Add(time.Duration(i)*time.Minute), 1))
	}
	require.NoError(t, before.engine.Close(ctx))

	after := newHarness(t, ledger)
	after.clock.Set(noon.Add(2*time.Minute + 30*time.Second))
	after.ingest(t, incremental(device, noon.Add(2*time.Minute), 1))

	// The resent minute is already stored, but the first write attempt
	// fails cleanly, so the second attempt's duplicate is not ours.
	ledger.FailRecordMinute(1)
	require.Error(t, after.engine.Flush(ctx))
	require.NoError(t, after.engine.Flush(ctx))

	u := after.usage(t, device, today)
	require.Equal(t, 3, u.PersistedMinutes)
	require.Equal(t, 3, u.LiveMinutes)
	require.Equal(t, 3, u.TotalMinutes)
	require.Len(t, ledger.Minutes(device, today), 3)
}

func TestIngest_ClockSkewUsesServerTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.ingest(t, incremental(device, noon.Add(26*time.Hour), 1))
	require.Equal(t, today, res.LogicalDay)
	require.Equal(t, 1, res.Counted)
	require.Equal(t, accounting.AnomalyClockSkew, res.Anomalies[0].Kind)

	require.NoError(t, h.engine.Flush(context.Background()))
	require.Equal(t, []time.Time{noon}, h.ledger.Minutes(device, today))
}

func TestIngest_DayMismatchLogged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ev := incremental(device, noon, 1)
	ev.Signal = accounting.Incremental{Minutes: 1, Day: "2024-01-02"}
	res := h.ingest(t, ev)
	require.Equal(t, today, res.LogicalDay)
	require.Equal(t, 1, res.Counted)
	require.Equal(t, accounting.AnomalyDayMismatch, res.Anomalies[0].Kind)
}

func TestIngest_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.engine.Ingest(context.Background(), accounting.HeartbeatEvent{Signal: accounting.Incremental{Minutes: 1}})
	var ve *accounting.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Contains(t, ve.Fields, "device_id")

	_, err = h.engine.Ingest(context.Background(), accounting.HeartbeatEvent{DeviceID: device})
	require.True(t, errors.As(err, &ve))
	require.Contains(t, ve.Fields, "increment_minutes")
}

func TestResetDailyTotal_SerializedWithFlush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, func(c *accounting.Config) {
		c.MaxClockSkew = 24 * time.Hour
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				at := noon.Add(time.Duration(w*25+i) * time.Minute)
				_, err := h.engine.Ingest(ctx, incremental(device, at, 1))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_ = h.engine.Flush(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			assert.NoError(t, h.engine.ResetDailyTotal(ctx, device, today))
		}
	}()
	wg.Wait()

	require.NoError(t, h.engine.Flush(ctx))
	u := h.usage(t, device, today)
	require.Equal(t, u.PersistedMinutes, u.LiveMinutes)
	require.LessOrEqual(t, u.PersistedMinutes, 100)
}

func TestResetDailyTotal_Explicit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.ingest(t, incremental(device, noon, 1))
	require.NoError(t, h.engine.Flush(ctx))

	require.NoError(t, h.engine.ResetDailyTotal(ctx, device, today))
	u := h.usage(t, device, today)
	require.Zero(t, u.PersistedMinutes)
	require.Zero(t, u.LiveMinutes)

	err := h.engine.ResetDailyTotal(ctx, device, "yesterday")
	var ve *accounting.ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestIngest_PublishesLiveUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.ingest(t, incremental(device, noon, 1))
	h.ingest(t, incremental(device, noon, 1)) // duplicate, nothing to publish

	h.updates.err = errors.New("redis down")
	h.clock.Advance(time.Minute)
	_, err := h.engine.Ingest(context.Background(), incremental(device, h.clock.Now(), 1))
	require.NoError(t, err)

	updates := h.updates.all()
	require.Len(t, updates, 2)
	require.Equal(t, device, updates[0].DeviceID)
	require.Equal(t, 1, updates[0].TotalMinutes)
	require.Equal(t, 2, updates[1].TotalMinutes)
}

func TestFlush_EvictsEntriesFromPreviousDays(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.ingest(t, incremental(device, noon, 1))
	h.ingest(t, incremental("pc-other", noon, 1))
	require.Equal(t, 2, h.engine.Store().Len())

	require.NoError(t, h.engine.Flush(ctx))
	require.Equal(t, 2, h.engine.Store().Len())

	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.engine.Flush(ctx))
	require.Zero(t, h.engine.Store().Len())

	// Totals survive eviction through the ledger.
	require.Equal(t, 1, h.usage(t, device, today).TotalMinutes)
}

func TestFlush_EvictsIdleEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.ingest(t, incremental(device, noon, 1))

	h.clock.Advance(31 * time.Minute)
	require.NoError(t, h.engine.Flush(ctx))
	require.Zero(t, h.engine.Store().Len())

	res := h.ingest(t, incremental(device, h.clock.Now(), 1))
	require.Equal(t, 2, res.Total)
}

func TestNew_RejectsInvalidOffset(t *testing.T) {
	t.Parallel()

	_, err := accounting.New(repository.NewMemoryLedger(0), accounting.Config{OffsetMinutes: 2000})
	require.Error(t, err)
}
