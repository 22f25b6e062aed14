package logging

// Standard attribute keys used across the daemon so log lines stay greppable.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldWorker    = "worker"
	FieldBeadID    = "bead_id"
	FieldTool      = "tool"
	FieldRequestID = "request_id"
	FieldSocket    = "socket"
	FieldErrorHint = "error_hint"
)
