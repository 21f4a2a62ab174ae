// Package api holds the JSON payloads served by the daemon debug listener.
package api

import "time"

const SchemaVersion = "v1"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	Provider      string    `json:"provider"`
	Enabled       bool      `json:"enabled"`
}
