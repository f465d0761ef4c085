package protocol

// Error codes shared between client and server. They travel in the `code`
// field of `error` envelopes so clients can react without parsing messages.
const (
	CodeInvalidEnvelope = "invalid_envelope"
	CodeNotAllowed      = "not_allowed"
	CodePersistFailed   = "persist_failed"
	CodeSessionExpired  = "session_expired"
	CodeUnknownType     = "unknown_type"
)

// Reasons carried by call-error and call-hangup envelopes.
const (
	ReasonRecipientOffline = "recipient_offline"
	ReasonRingTimeout      = "ring_timeout"
	ReasonMediaFailed      = "media_failed"
	ReasonBusy             = "busy"
)
