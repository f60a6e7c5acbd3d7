package logger

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldJobID    = "job_id"
	FieldRunID    = "run_id"
	FieldSourceID = "source_id"
	FieldActor    = "actor"

	// Pull progress
	FieldCycle   = "cycle"
	FieldCycles  = "cycles"
	FieldAttempt = "attempt"
	FieldAction  = "action"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError      = "error"
	FieldErrorClass = "error_class"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"

	// Event bus
	FieldKind        = "kind"
	FieldSubscribers = "subscribers"

	// Network
	FieldURL  = "url"
	FieldHost = "host"

	// Symbol for subsystem tagging (꩜, ✿, ❀, ...)
	FieldSymbol = "symbol"
)
