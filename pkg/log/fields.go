package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Live view entities
	FieldSessionID = "session_id"
	FieldDeviceID  = "device_id"
	FieldViewerID  = "viewer_id"
	FieldCommandID = "command_id"
	FieldCommand   = "command"
	FieldSignal    = "signal_kind"

	// Service
	FieldService = "service"
)
