package api

import (
	"time"

	"github.com/mattjoyce/edgecmd/internal/history"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string     `json:"status"`
	UptimeSeconds     int64      `json:"uptime_seconds"`
	BusConnected      bool       `json:"bus_connected"`
	MessagesProcessed uint64     `json:"messages_processed"`
	MessagesDropped   uint64     `json:"messages_dropped"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Entries []history.Entry `json:"entries"`
}
