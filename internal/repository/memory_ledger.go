package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/logicalday"
	"worktrack-collector/internal/models"
)

// ErrInjected is returned by MemoryLedger operations that were told to fail.
var ErrInjected = errors.New("memory ledger: injected failure")

type ledgerKey struct {
	deviceID string
	day      string
}

// MemoryLedger is an in-process ledger with the same semantics as
// MinuteLedgerRepo. It loses everything on restart and is meant for tests
// and local runs.
type MemoryLedger struct {
	offset int

	mu      sync.Mutex
	records map[ledgerKey]map[int64]models.ActivitySnapshot

	failRecord     int
	failTotal      int
	failReset      int
	conflictReset  int
	loseRecordAcks int
	recordCalls    int
}

func NewMemoryLedger(offsetMinutes int) *MemoryLedger {
	return &MemoryLedger{
		offset:  offsetMinutes,
		records: make(map[ledgerKey]map[int64]models.ActivitySnapshot),
	}
}

func (l *MemoryLedger) RecordMinute(_ context.Context, deviceID string, instant time.Time, snapshot models.ActivitySnapshot) (bool, error) {
	minute := instant.UTC().Truncate(time.Minute)
	day, err := logicalday.For(minute, l.offset)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordCalls++
	if l.failRecord > 0 {
		l.failRecord--
		return false, ErrInjected
	}

	key := ledgerKey{deviceID: deviceID, day: day}
	minutes, ok := l.records[key]
	if !ok {
		minutes = make(map[int64]models.ActivitySnapshot)
		l.records[key] = minutes
	}
	_, exists := minutes[minute.Unix()]
	if !exists {
		minutes[minute.Unix()] = snapshot
	}
	if l.loseRecordAcks > 0 {
		// The write is kept but the caller is told it failed.
		l.loseRecordAcks--
		return false, ErrInjected
	}
	return !exists, nil
}

func (l *MemoryLedger) DailyTotal(_ context.Context, deviceID, day string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failTotal > 0 {
		l.failTotal--
		return 0, ErrInjected
	}
	return len(l.records[ledgerKey{deviceID: deviceID, day: day}]), nil
}

func (l *MemoryLedger) ResetDailyTotal(_ context.Context, deviceID, day string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conflictReset > 0 {
		l.conflictReset--
		return accounting.ErrConflictOnReset
	}
	if l.failReset > 0 {
		l.failReset--
		return ErrInjected
	}
	delete(l.records, ledgerKey{deviceID: deviceID, day: day})
	return nil
}

func (l *MemoryLedger) Summarize(_ context.Context, startDay, endDay, deviceID string) ([]models.DailyTotal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows := []models.DailyTotal{}
	for key, minutes := range l.records {
		if key.day < startDay || key.day > endDay || len(minutes) == 0 {
			continue
		}
		if deviceID != "" && key.deviceID != deviceID {
			continue
		}
		rows = append(rows, models.DailyTotal{
			DeviceID:     key.deviceID,
			LogicalDay:   key.day,
			TotalMinutes: len(minutes),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LogicalDay != rows[j].LogicalDay {
			return rows[i].LogicalDay > rows[j].LogicalDay
		}
		return rows[i].DeviceID < rows[j].DeviceID
	})
	return rows, nil
}

func (l *MemoryLedger) SystemTotal(_ context.Context, day string) (models.SystemTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	totals := models.SystemTotals{LogicalDay: day}
	for key, minutes := range l.records {
		if key.day != day || len(minutes) == 0 {
			continue
		}
		totals.TotalMinutes += len(minutes)
		totals.Devices++
	}
	return totals, nil
}

func (l *MemoryLedger) PurgeBefore(_ context.Context, day string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var purged int64
	for key, minutes := range l.records {
		if key.day < day {
			purged += int64(len(minutes))
			delete(l.records, key)
		}
	}
	return purged, nil
}

// Minutes returns the recorded minutes for a key in chronological order.
func (l *MemoryLedger) Minutes(deviceID, day string) []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]time.Time, 0, len(l.records[ledgerKey{deviceID: deviceID, day: day}]))
	for unix := range l.records[ledgerKey{deviceID: deviceID, day: day}] {
		out = append(out, time.Unix(unix, 0).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Seed writes n synthetic minutes from the start of day, as a previous
// process or a bad import would have left them.
func (l *MemoryLedger) Seed(deviceID, day string, n int) error {
	start, err := logicalday.Start(day, l.offset)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{deviceID: deviceID, day: day}
	minutes, ok := l.records[key]
	if !ok {
		minutes = make(map[int64]models.ActivitySnapshot)
		l.records[key] = minutes
	}
	for i := 0; i < n; i++ {
		minutes[start.Add(time.Duration(i)*time.Minute).Unix()] = models.ActivitySnapshot{}
	}
	return nil
}

// FailRecordMinute makes the next n RecordMinute calls fail without writing.
func (l *MemoryLedger) FailRecordMinute(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRecord = n
}

// LoseRecordAcks makes the next n RecordMinute calls write but report failure.
func (l *MemoryLedger) LoseRecordAcks(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loseRecordAcks = n
}

func (l *MemoryLedger) FailDailyTotal(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failTotal = n
}

func (l *MemoryLedger) FailReset(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failReset = n
}

// ConflictResets makes the next n resets report ErrConflictOnReset.
func (l *MemoryLedger) ConflictResets(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conflictReset = n
}

func (l *MemoryLedger) RecordCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordCalls
}
