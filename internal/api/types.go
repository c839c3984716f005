package api

import (
	"encoding/json"
	"time"
)

// CallRequest is the JSON body for POST /call/{signature}.
type CallRequest struct {
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	// Timeout in Go duration syntax, capped by the server's MaxCallTimeout.
	Timeout string `json:"timeout,omitempty"`
}

// CallResponse is returned when the remote task completed successfully.
type CallResponse struct {
	Task       string          `json:"task"`
	Result     json.RawMessage `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	Waiting       int    `json:"waiting"`
}

// WorkListResponse is returned by GET /work.
type WorkListResponse struct {
	Work  []WorkResponse `json:"work"`
	Count int            `json:"count"`
}

// WorkResponse is one journal record.
type WorkResponse struct {
	WorkID       string     `json:"work_id"`
	Task         string     `json:"task"`
	TaskName     string     `json:"task_name"`
	Client       string     `json:"client"`
	Status       string     `json:"status"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}
