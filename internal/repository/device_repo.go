package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"worktrack-collector/internal/models"
)

type DeviceRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceRepo(pool *pgxpool.Pool) *DeviceRepo {
	return &DeviceRepo{pool: pool}
}

// Touch records a heartbeat from d. Empty descriptive fields keep the values
// already stored.
func (r *DeviceRepo) Touch(ctx context.Context, d models.Device) error {
	query := `INSERT INTO devices (id, name, user_name, os_info, is_online, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), devices.name),
			user_name = COALESCE(NULLIF(EXCLUDED.user_name, ''), devices.user_name),
			os_info = COALESCE(NULLIF(EXCLUDED.os_info, ''), devices.os_info),
			is_online = TRUE,
			last_seen = NOW()`

	_, err := r.pool.Exec(ctx, query, d.ID, d.Name, d.UserName, d.OSInfo)
	return err
}

func (r *DeviceRepo) List(ctx context.Context) ([]models.Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, user_name, os_info, is_online, first_seen, last_seen
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.UserName, &d.OSInfo, &d.IsOnline, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// MarkOffline flags every online device not seen since before.
func (r *DeviceRepo) MarkOffline(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		"UPDATE devices SET is_online = FALSE WHERE is_online = TRUE AND last_seen < $1",
		before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
