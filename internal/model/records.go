package model

import "time"

// JournalEntry is one dispatched command as the daemon journaled it.
type JournalEntry struct {
	JournalID string        `json:"journal_id"`
	CommandID string        `json:"command_id"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Fields    string        `json:"fields,omitempty"`
	At        time.Time     `json:"at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// OK reports whether the command succeeded.
func (e JournalEntry) OK() bool {
	return e.Code == ""
}

// SavedRoute is a named waypoint list kept on the control side.
type SavedRoute struct {
	RouteID     string     `json:"route_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Threshold   float64    `json:"threshold_m"`
	Waypoints   []Waypoint `json:"waypoints"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
