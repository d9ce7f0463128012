package accounting

import (
	"encoding/json"
	"strings"
	"time"

	"worktrack-collector/internal/logicalday"
	"worktrack-collector/internal/models"
)

// AgentSignal is the minutes information carried by a heartbeat. It is
// either Incremental or LegacyAbsolute.
type AgentSignal interface {
	minutes() int
}

// Incremental is the modern agent contract: minutes elapsed since the
// previous heartbeat, optionally tagged with the agent's idea of the day.
type Incremental struct {
	Minutes int
	Day     string
}

// LegacyAbsolute is the older contract: the agent's own cumulative counter
// for "today". It resets whenever the agent restarts.
type LegacyAbsolute struct {
	CumulativeMinutes int
}

func (s Incremental) minutes() int    { return s.Minutes }
func (s LegacyAbsolute) minutes() int { return s.CumulativeMinutes }

type DeviceInfo struct {
	Name     string
	UserName string
	OSInfo   string
}

// HeartbeatEvent is the transport independent form of a heartbeat.
type HeartbeatEvent struct {
	DeviceID   string
	Device     DeviceInfo
	Timestamp  time.Time
	ReceivedAt time.Time
	Activity   models.ActivitySnapshot
	Signal     AgentSignal
}

// Validate checks the structural requirements the engine relies on.
func (ev HeartbeatEvent) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(ev.DeviceID) == "" {
		fields["device_id"] = "Required"
	}
	if ev.Signal == nil {
		fields["increment_minutes"] = "Either increment_minutes or total_minutes is required"
	}
	if inc, ok := ev.Signal.(Incremental); ok && inc.Day != "" {
		if _, err := logicalday.Parse(inc.Day); err != nil {
			fields["day_date"] = "Must be YYYY-MM-DD"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// EventFromPayload normalizes a wire payload. Every transport goes through
// here so that the signal shape is decided in exactly one place.
func EventFromPayload(p models.HeartbeatPayload, receivedAt time.Time) (HeartbeatEvent, error) {
	fields := map[string]string{}

	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		deviceID = strings.TrimSpace(p.ComputerID)
	}
	if deviceID == "" {
		fields["device_id"] = "Required"
	}

	total := p.TotalMinutes
	if total == nil {
		total = p.UsageMinutes
	}

	var sig AgentSignal
	switch {
	case p.IncrementMinutes != nil && total != nil:
		fields["increment_minutes"] = "Cannot be combined with total_minutes"
	case p.IncrementMinutes != nil:
		sig = Incremental{Minutes: *p.IncrementMinutes, Day: strings.TrimSpace(p.DayDate)}
	case total != nil:
		sig = LegacyAbsolute{CumulativeMinutes: *total}
	default:
		fields["increment_minutes"] = "Either increment_minutes or total_minutes is required"
	}

	ts := receivedAt
	if p.Timestamp != "" {
		parsed, ok := parseTimestamp(p.Timestamp)
		if !ok {
			fields["timestamp"] = "Unrecognized timestamp format"
		}
		ts = parsed
	}

	if len(fields) > 0 {
		return HeartbeatEvent{}, &ValidationError{Fields: fields}
	}

	ev := HeartbeatEvent{
		DeviceID: deviceID,
		Device: DeviceInfo{
			Name:     p.ComputerName,
			UserName: p.UserName,
			OSInfo:   p.OSInfo,
		},
		Timestamp:  ts,
		ReceivedAt: receivedAt,
		Activity: models.ActivitySnapshot{
			CurrentActivity: p.CurrentActivity,
			ActiveWindow:    p.ActiveWindow,
			RunningPrograms: p.RunningPrograms,
		},
		Signal: sig,
	}
	return ev, ev.Validate()
}

// DecodeHeartbeat parses a raw JSON heartbeat as received from a broker.
func DecodeHeartbeat(raw []byte, receivedAt time.Time) (HeartbeatEvent, error) {
	var p models.HeartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return HeartbeatEvent{}, &ValidationError{Fields: map[string]string{"body": "Invalid JSON"}}
	}
	return EventFromPayload(p, receivedAt)
}

// Agents without timezone information are assumed to send UTC.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
