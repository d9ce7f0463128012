package models

import "time"

type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserName  string    `json:"user_name"`
	OSInfo    string    `json:"os_info"`
	IsOnline  bool      `json:"is_online"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
