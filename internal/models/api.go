package models

import "time"

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// UsageUpdate is published whenever a heartbeat changes a device's live total.
type UsageUpdate struct {
	DeviceID     string    `json:"device_id"`
	LogicalDay   string    `json:"logical_day"`
	TotalMinutes int       `json:"total_minutes"`
	Counted      int       `json:"counted"`
	At           time.Time `json:"at"`
}
