package accounting_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/repository"
)

func TestAccumulator_LoopFlushesOnTickAndThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)
	clock := quartz.NewMock(t)
	clock.Set(noon)

	tickCh := make(chan time.Time)
	flushCh := make(chan int, 1)
	engine, err := accounting.New(ledger, accounting.Config{OffsetMinutes: offset, FlushThreshold: 5},
		accounting.WithClock(clock),
		accounting.WithTickChannel(tickCh),
		accounting.WithFlushChannel(flushCh),
	)
	require.NoError(t, err)
	engine.Start()

	// Below the threshold nothing happens until the tick.
	_, err = engine.Ingest(ctx, incremental(device, noon, 1))
	require.NoError(t, err)
	tickCh <- clock.Now()
	require.Equal(t, 1, <-flushCh)

	// Five pending minutes pull the lever.
	clock.Advance(5 * time.Minute)
	_, err = engine.Ingest(ctx, incremental(device, clock.Now(), 5))
	require.NoError(t, err)
	require.Equal(t, 5, <-flushCh)

	total, err := ledger.DailyTotal(ctx, device, today)
	require.NoError(t, err)
	require.Equal(t, 6, total)

	require.NoError(t, engine.Close(ctx))
	// Close is idempotent.
	require.NoError(t, engine.Close(ctx))
}

func TestAccumulator_CloseFlushesPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := repository.NewMemoryLedger(offset)
	clock := quartz.NewMock(t)
	clock.Set(noon)

	engine, err := accounting.New(ledger, accounting.Config{OffsetMinutes: offset},
		accounting.WithClock(clock),
		accounting.WithTickChannel(make(chan time.Time)),
	)
	require.NoError(t, err)
	engine.Start()

	for i := 0; i < 3; i++ {
		_, err := engine.Ingest(ctx, incremental(device, noon.Add(time.Duration(i)*time.Minute), 1))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Close(ctx))

	total, err := ledger.DailyTotal(ctx, device, today)
	require.NoError(t, err)
	require.Equal(t, 3, total)
}

func TestAccumulatorStore_StartAfterClosePanics(t *testing.T) {
	t.Parallel()

	store, err := accounting.NewAccumulatorStore(repository.NewMemoryLedger(0), accounting.StoreConfig{},
		accounting.WithTickChannel(make(chan time.Time)),
	)
	require.NoError(t, err)
	require.NoError(t, store.Close(context.Background()))
	require.Panics(t, store.Start)
}

func TestNewAccumulatorStore_RejectsInvalidOffset(t *testing.T) {
	t.Parallel()

	_, err := accounting.NewAccumulatorStore(repository.NewMemoryLedger(0), accounting.StoreConfig{OffsetMinutes: -1441})
	require.Error(t, err)
}
