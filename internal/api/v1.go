package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// StatusResponse is the /v1/status payload.
type StatusResponse struct {
	SchemaVersion   string          `json:"schema_version"`
	GeneratedAt     time.Time       `json:"generated_at"`
	Provider        string          `json:"provider"`
	LocationMode    string          `json:"location_mode"`
	Mock            bool            `json:"mock"`
	Features        []string        `json:"features"`
	Position        PositionItem    `json:"position"`
	Listeners       int             `json:"listeners"`
	ReverseChannels int             `json:"reverse_channels"`
	Geofences       int             `json:"geofences"`
	Pool            PoolItem        `json:"pool"`
	Broadcast       BroadcastStatus `json:"broadcast"`
	// Intercepts lists the interception points with installed hooks.
	Intercepts []string `json:"intercepts,omitempty"`
}

type PositionItem struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Altitude float64 `json:"altitude"`
	Accuracy float64 `json:"accuracy"`
	Speed    float64 `json:"speed"`
	Bearing  float64 `json:"bearing"`
}

type PoolItem struct {
	Obtained  uint64  `json:"obtained"`
	Recycled  uint64  `json:"recycled"`
	Created   uint64  `json:"created"`
	Hits      uint64  `json:"hits"`
	Discarded uint64  `json:"discarded"`
	Idle      int     `json:"idle"`
	HitRate   float64 `json:"hit_rate"`
}

type BroadcastStatus struct {
	Interval string `json:"interval"`
	Ticks    int64  `json:"ticks"`
	Skipped  int64  `json:"skipped"`
}
