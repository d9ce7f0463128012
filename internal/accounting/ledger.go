package accounting

import (
	"context"
	"time"

	"worktrack-collector/internal/models"
)

// Ledger is the durable store of counted minutes. Implementations key every
// record by (device, logical day, minute) so that RecordMinute is idempotent.
type Ledger interface {
	// RecordMinute stores the minute containing instant. inserted is false
	// when that minute was already recorded.
	RecordMinute(ctx context.Context, deviceID string, instant time.Time, snapshot models.ActivitySnapshot) (inserted bool, err error)
	// DailyTotal returns 0 for an unknown key.
	DailyTotal(ctx context.Context, deviceID, day string) (int, error)
	// ResetDailyTotal purges every minute recorded for the key. It may
	// return ErrConflictOnReset, in which case the reset can be re-run.
	ResetDailyTotal(ctx context.Context, deviceID, day string) error
	// Summarize returns per-device totals for the inclusive day range, newest
	// first. An empty deviceID selects all devices.
	Summarize(ctx context.Context, startDay, endDay, deviceID string) ([]models.DailyTotal, error)
	SystemTotal(ctx context.Context, day string) (models.SystemTotals, error)
}

// RetentionLedger is implemented by ledgers that can drop old days.
type RetentionLedger interface {
	PurgeBefore(ctx context.Context, day string) (int64, error)
}
