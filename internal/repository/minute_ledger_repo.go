package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/logicalday"
	"worktrack-collector/internal/models"
)

// MinuteLedgerRepo stores one row per counted minute in minute_records and
// keeps daily_totals in step inside the same transaction. Writers for one
// (device, day) are serialized with a transaction scoped advisory lock.
type MinuteLedgerRepo struct {
	pool   *pgxpool.Pool
	offset int
}

func NewMinuteLedgerRepo(pool *pgxpool.Pool, offsetMinutes int) *MinuteLedgerRepo {
	return &MinuteLedgerRepo{pool: pool, offset: offsetMinutes}
}

func lockKey(deviceID, day string) string {
	return "minute_ledger:" + deviceID + ":" + day
}

func lockKeyForDay(ctx context.Context, tx pgx.Tx, deviceID, day string) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", lockKey(deviceID, day))
	return err
}

func (r *MinuteLedgerRepo) RecordMinute(ctx context.Context, deviceID string, instant time.Time, snapshot models.ActivitySnapshot) (bool, error) {
	minute := instant.UTC().Truncate(time.Minute)
	day, err := logicalday.For(minute, r.offset)
	if err != nil {
		return false, err
	}
	dayDate, _ := logicalday.Parse(day)

	activity, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to encode activity: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if err := lockKeyForDay(ctx, tx, deviceID, day); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `INSERT INTO minute_records (device_id, logical_day, minute_at, activity_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, logical_day, minute_at) DO NOTHING`,
		deviceID, dayDate, minute, activity,
	)
	if err != nil {
		return false, err
	}
	inserted := tag.RowsAffected() == 1

	if inserted {
		_, err = tx.Exec(ctx, `INSERT INTO daily_totals (device_id, logical_day, total_minutes, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (device_id, logical_day)
			DO UPDATE SET total_minutes = daily_totals.total_minutes + 1, updated_at = NOW()`,
			deviceID, dayDate,
		)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return inserted, nil
}

func (r *MinuteLedgerRepo) DailyTotal(ctx context.Context, deviceID, day string) (int, error) {
	dayDate, err := logicalday.Parse(day)
	if err != nil {
		return 0, err
	}
	var total int
	err = r.pool.QueryRow(ctx,
		"SELECT total_minutes FROM daily_totals WHERE device_id = $1 AND logical_day = $2",
		deviceID, dayDate,
	).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return total, err
}

func (r *MinuteLedgerRepo) ResetDailyTotal(ctx context.Context, deviceID, day string) error {
	dayDate, err := logicalday.Parse(day)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockKeyForDay(ctx, tx, deviceID, day); err != nil {
		return classifyResetErr(err)
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM minute_records WHERE device_id = $1 AND logical_day = $2",
		deviceID, dayDate,
	); err != nil {
		return classifyResetErr(err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE daily_totals SET total_minutes = 0, updated_at = NOW() WHERE device_id = $1 AND logical_day = $2",
		deviceID, dayDate,
	); err != nil {
		return classifyResetErr(err)
	}
	return classifyResetErr(tx.Commit(ctx))
}

// classifyResetErr maps serialization failures and deadlocks to
// accounting.ErrConflictOnReset so the caller re-runs the reset.
func classifyResetErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", accounting.ErrConflictOnReset, pgErr.Message)
	}
	return err
}

func (r *MinuteLedgerRepo) Summarize(ctx context.Context, startDay, endDay, deviceID string) ([]models.DailyTotal, error) {
	start, err := logicalday.Parse(startDay)
	if err != nil {
		return nil, err
	}
	end, err := logicalday.Parse(endDay)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT device_id, logical_day, total_minutes
		FROM daily_totals
		WHERE logical_day BETWEEN $1 AND $2
		  AND ($3 = '' OR device_id = $3)
		  AND total_minutes > 0
		ORDER BY logical_day DESC, device_id`,
		start, end, deviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := []models.DailyTotal{}
	for rows.Next() {
		var (
			t   models.DailyTotal
			day time.Time
		)
		if err := rows.Scan(&t.DeviceID, &day, &t.TotalMinutes); err != nil {
			return nil, err
		}
		t.LogicalDay = day.Format(logicalday.Layout)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (r *MinuteLedgerRepo) SystemTotal(ctx context.Context, day string) (models.SystemTotals, error) {
	dayDate, err := logicalday.Parse(day)
	if err != nil {
		return models.SystemTotals{}, err
	}
	totals := models.SystemTotals{LogicalDay: day}
	err = r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(total_minutes), 0), COUNT(*)
		FROM daily_totals
		WHERE logical_day = $1 AND total_minutes > 0`,
		dayDate,
	).Scan(&totals.TotalMinutes, &totals.Devices)
	return totals, err
}

// PurgeBefore drops every minute and counter row older than day.
func (r *MinuteLedgerRepo) PurgeBefore(ctx context.Context, day string) (int64, error) {
	dayDate, err := logicalday.Parse(day)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM minute_records WHERE logical_day < $1", dayDate)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM daily_totals WHERE logical_day < $1", dayDate); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
