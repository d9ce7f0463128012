package models

import "time"

type MinuteRecord struct {
	DeviceID   string           `json:"device_id"`
	LogicalDay string           `json:"logical_day"`
	MinuteAt   time.Time        `json:"minute_at"`
	Activity   ActivitySnapshot `json:"activity"`
}

type DailyTotal struct {
	DeviceID     string `json:"device_id"`
	LogicalDay   string `json:"logical_day"`
	TotalMinutes int    `json:"total_minutes"`
}

type SystemTotals struct {
	LogicalDay   string `json:"logical_day"`
	TotalMinutes int    `json:"total_minutes"`
	Devices      int    `json:"devices"`
}

// DayAggregate is the per-day rollup shown on the history view.
type DayAggregate struct {
	LogicalDay   string `json:"logical_day"`
	TotalMinutes int    `json:"total_minutes"`
	Hours        int    `json:"hours"`
	Minutes      int    `json:"minutes"`
	Devices      int    `json:"devices"`
}

type DeviceUsage struct {
	DeviceID         string `json:"device_id"`
	LogicalDay       string `json:"logical_day"`
	PersistedMinutes int    `json:"persisted_minutes"`
	LiveMinutes      int    `json:"live_minutes"`
	TotalMinutes     int    `json:"total_minutes"`
}

type DailyReport struct {
	StartDay string         `json:"start_day"`
	EndDay   string         `json:"end_day"`
	Rows     []DailyTotal   `json:"rows"`
	Days     []DayAggregate `json:"days"`
}
