package models

// ActiveWindow is the foreground window reported by an agent.
type ActiveWindow struct {
	ProgramName string `json:"program_name"`
	WindowTitle string `json:"window_title,omitempty"`
}

type RunningProgram struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	StartTime string `json:"start_time,omitempty"`
}

// ActivitySnapshot is stored alongside each counted minute. It is opaque to
// the accounting rules.
type ActivitySnapshot struct {
	CurrentActivity string           `json:"current_activity,omitempty"`
	ActiveWindow    *ActiveWindow    `json:"active_window,omitempty"`
	RunningPrograms []RunningProgram `json:"running_programs,omitempty"`
}

// HeartbeatPayload is the wire shape shared by the HTTP, MQTT and Kafka
// transports. Exactly one of IncrementMinutes or TotalMinutes (or its
// legacy alias UsageMinutes) is expected.
type HeartbeatPayload struct {
	DeviceID     string `json:"device_id"`
	ComputerID   string `json:"computer_id,omitempty"` // legacy alias of device_id
	ComputerName string `json:"computer_name,omitempty"`
	UserName     string `json:"user_name,omitempty"`
	OSInfo       string `json:"os_info,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`

	IncrementMinutes *int   `json:"increment_minutes,omitempty"`
	DayDate          string `json:"day_date,omitempty"`

	TotalMinutes *int `json:"total_minutes,omitempty"`
	UsageMinutes *int `json:"usage_minutes,omitempty"` // legacy alias of total_minutes

	CurrentActivity string           `json:"current_activity,omitempty"`
	ActiveWindow    *ActiveWindow    `json:"active_window,omitempty"`
	RunningPrograms []RunningProgram `json:"running_programs,omitempty"`
}

type HeartbeatAck struct {
	Status       string `json:"status"`
	ServerTime   string `json:"server_time"`
	LogicalDay   string `json:"logical_day,omitempty"`
	TotalMinutes int    `json:"total_minutes"`
	Counted      int    `json:"counted"`
}
