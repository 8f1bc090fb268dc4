package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Channel subscriptions. A channel is "session/<id>" for session
	// events or "user/<id>/terminal" for terminal streams.
	ActionSubscribe   = "channel.subscribe"
	ActionUnsubscribe = "channel.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionEvent   = "session.event"
	ActionTerminalOutput = "terminal.output"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
