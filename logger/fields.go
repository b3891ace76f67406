package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across vigil.
const (
	// Identity
	FieldJobID       = "job_id"
	FieldJobType     = "job_type"
	FieldRuleID      = "rule_id"
	FieldRuleName    = "rule_name"
	FieldAssetID     = "asset_id"
	FieldExecutionID = "execution_id"
	FieldRequestID   = "request_id"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Admission
	FieldState         = "state"
	FieldDeferred      = "deferred"
	FieldBlockedReason = "blocked_reason"
	FieldNextRunAt     = "next_run_at"
	FieldAttempts      = "attempts"
	FieldDelay         = "delay"
	FieldViolations    = "violations"

	// Events
	FieldEventType = "event_type"
	FieldPath      = "path"

	// Timing and counts
	FieldDurationMS = "duration_ms"
	FieldCount      = "count"
	FieldBatchSize  = "batch_size"

	FieldError = "error"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	ruleIDKey    contextKey = "logger_rule_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRuleID adds a rule ID to the context for logging
func WithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, ruleIDKey, ruleID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		fields = append(fields, FieldJobID, v)
	}
	if v, ok := ctx.Value(ruleIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRuleID, v)
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRequestID, v)
	}
	return fields
}

// FromContext returns base decorated with the fields carried by ctx.
// A nil base means the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// AddComponent returns a named child of parent, tagged with the component field.
//
//	log := logger.AddComponent(baseLogger, "admission")
func AddComponent(parent *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if parent == nil {
		parent = Logger
	}
	return parent.Named(name).With(FieldComponent, name)
}
