package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Session
	FieldParticipantID = "participant_id"
	FieldRole          = "role"
	FieldRoomID        = "room_id"
	FieldSequenceNo    = "sequence_no"

	// Archive
	FieldContentID    = "content_id"
	FieldMessageCount = "message_count"

	// Service
	FieldService = "service"
)
