package logger

import (
	"context"

	"go.uber.org/zap"
)

// Field names shared by every component
const (
	// Identity and context
	FieldJobID      = "job_id"
	FieldDeliveryID = "delivery_id"
	FieldPlatform   = "platform"
	FieldProjectID  = "project_id"
	FieldRole       = "role"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Job lifecycle
	FieldJobType     = "job_type"
	FieldPriority    = "priority"
	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldDelayMS     = "delay_ms"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"

	FieldSymbol = "symbol" // glyph from the sym package (꩜, ✿, ❀, etc.)
)

type contextKey string

const (
	jobIDKey      contextKey = "logger_job_id"
	deliveryIDKey contextKey = "logger_delivery_id"
)

// WithJobID tags ctx so handlers running the job log its id
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithDeliveryID tags ctx so adapters working a delivery log its id
func WithDeliveryID(ctx context.Context, deliveryID string) context.Context {
	return context.WithValue(ctx, deliveryIDKey, deliveryID)
}

// FieldsFromContext returns the ids carried by ctx as key-value pairs
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if id, ok := ctx.Value(jobIDKey).(string); ok && id != "" {
		fields = append(fields, FieldJobID, id)
	}
	if id, ok := ctx.Value(deliveryIDKey).(string); ok && id != "" {
		fields = append(fields, FieldDeliveryID, id)
	}
	return fields
}

// FromContext returns base with the ids carried by ctx attached
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	if fields := FieldsFromContext(ctx); len(fields) > 0 {
		return base.With(fields...)
	}
	return base
}
