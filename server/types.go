package server

import (
	"time"

	"github.com/teranos/studioos/pulse"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// ShutdownTimeout bounds how long Stop waits for goroutines.
	// Worker pool shutdown is bounded separately by its StopTimeout.
	ShutdownTimeout = 30 * time.Second
	// maxUploadSize limits blob uploads to 2GB (a long 32-bit/192kHz stem set)
	maxUploadSize = 2 << 30
	// Default and max limits for listing queries
	defaultListLimit = 50
	maxListLimit     = 200
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// wsMessage is one frame pushed to a WebSocket client
type wsMessage struct {
	Type     string          `json:"type"` // "hello", "snapshot", "error"
	Snapshot *pulse.Snapshot `json:"snapshot,omitempty"`
	Version  string          `json:"version,omitempty"`
	Keys     []string        `json:"keys,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// submitJobRequest is the body of POST /api/jobs. Priority accepts a class
// name or a number.
type submitJobRequest struct {
	Type        string      `json:"type"`
	Priority    interface{} `json:"priority"`
	ProjectID   string      `json:"projectId"`
	AssetIDs    []string    `json:"assetIds"`
	Parameters  interface{} `json:"parameters"`
	MaxAttempts int         `json:"maxAttempts"`
}

// platformsRequest is the optional body of delivery cancel and retry
type platformsRequest struct {
	PlatformIDs []string `json:"platformIds"`
}

// idResponse answers operations that create a record
type idResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}
