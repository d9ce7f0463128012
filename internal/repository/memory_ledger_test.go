package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/models"
)

var _ accounting.Ledger = (*MemoryLedger)(nil)
var _ accounting.RetentionLedger = (*MemoryLedger)(nil)

func TestMemoryLedger_RecordMinuteIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(-180)
	at := time.Date(2024, 1, 1, 12, 30, 15, 0, time.UTC)

	inserted, err := l.RecordMinute(ctx, "pc-1", at, models.ActivitySnapshot{})
	require.NoError(t, err)
	require.True(t, inserted)

	// Same minute, different second.
	inserted, err = l.RecordMinute(ctx, "pc-1", at.Add(40*time.Second), models.ActivitySnapshot{})
	require.NoError(t, err)
	require.False(t, inserted)

	total, err := l.DailyTotal(ctx, "pc-1", "2024-01-01")
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestMemoryLedger_DayFollowsOffset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(-180)

	_, err := l.RecordMinute(ctx, "pc-1", time.Date(2024, 1, 2, 0, 30, 0, 0, time.UTC), models.ActivitySnapshot{})
	require.NoError(t, err)

	total, err := l.DailyTotal(ctx, "pc-1", "2024-01-01")
	require.NoError(t, err)
	require.Equal(t, 1, total)

	total, err = l.DailyTotal(ctx, "pc-1", "2024-01-02")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestMemoryLedger_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(-180)
	require.NoError(t, l.Seed("pc-1", "2024-01-01", 30))
	require.NoError(t, l.Seed("pc-2", "2024-01-01", 5))

	require.NoError(t, l.ResetDailyTotal(ctx, "pc-1", "2024-01-01"))

	total, err := l.DailyTotal(ctx, "pc-1", "2024-01-01")
	require.NoError(t, err)
	require.Zero(t, total)

	total, err = l.DailyTotal(ctx, "pc-2", "2024-01-01")
	require.NoError(t, err)
	require.Equal(t, 5, total)

	l.ConflictResets(1)
	require.ErrorIs(t, l.ResetDailyTotal(ctx, "pc-2", "2024-01-01"), accounting.ErrConflictOnReset)
	require.NoError(t, l.ResetDailyTotal(ctx, "pc-2", "2024-01-01"))
}

func TestMemoryLedger_SummarizeAndSystemTotal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(-180)
	require.NoError(t, l.Seed("pc-b", "2024-01-02", 10))
	require.NoError(t, l.Seed("pc-a", "2024-01-02", 20))
	require.NoError(t, l.Seed("pc-a", "2024-01-01", 7))
	require.NoError(t, l.Seed("pc-a", "2023-12-20", 3))

	rows, err := l.Summarize(ctx, "2024-01-01", "2024-01-07", "")
	require.NoError(t, err)
	require.Equal(t, []models.DailyTotal{
		{DeviceID: "pc-a", LogicalDay: "2024-01-02", TotalMinutes: 20},
		{DeviceID: "pc-b", LogicalDay: "2024-01-02", TotalMinutes: 10},
		{DeviceID: "pc-a", LogicalDay: "2024-01-01", TotalMinutes: 7},
	}, rows)

	rows, err = l.Summarize(ctx, "2024-01-01", "2024-01-07", "pc-b")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = l.Summarize(ctx, "2025-01-01", "2025-01-07", "")
	require.NoError(t, err)
	require.NotNil(t, rows)
	require.Empty(t, rows)

	sys, err := l.SystemTotal(ctx, "2024-01-02")
	require.NoError(t, err)
	require.Equal(t, models.SystemTotals{LogicalDay: "2024-01-02", TotalMinutes: 30, Devices: 2}, sys)
}

func TestMemoryLedger_PurgeBefore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(0)
	require.NoError(t, l.Seed("pc-1", "2023-09-01", 4))
	require.NoError(t, l.Seed("pc-1", "2024-01-01", 2))

	purged, err := l.PurgeBefore(ctx, "2023-10-03")
	require.NoError(t, err)
	require.EqualValues(t, 4, purged)

	total, err := l.DailyTotal(ctx, "pc-1", "2024-01-01")
	require.NoError(t, err)
	require.Equal(t, 2, total)
}

func TestMemoryLedger_InjectedFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(0)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	l.FailRecordMinute(1)
	_, err := l.RecordMinute(ctx, "pc-1", at, models.ActivitySnapshot{})
	require.ErrorIs(t, err, ErrInjected)
	total, _ := l.DailyTotal(ctx, "pc-1", "2024-01-01")
	require.Zero(t, total)

	l.LoseRecordAcks(1)
	_, err = l.RecordMinute(ctx, "pc-1", at, models.ActivitySnapshot{})
	require.ErrorIs(t, err, ErrInjected)
	total, _ = l.DailyTotal(ctx, "pc-1", "2024-01-01")
	require.Equal(t, 1, total)

	l.FailDailyTotal(1)
	_, err = l.DailyTotal(ctx, "pc-1", "2024-01-01")
	require.ErrorIs(t, err, ErrInjected)

	require.Equal(t, 2, l.RecordCalls())
}

func TestMemoryLedger_ConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger(0)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.RecordMinute(ctx, "pc-1", at, models.ActivitySnapshot{})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, inserted)
}
