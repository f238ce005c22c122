package delivery

import "errors"

// Sentinel errors surfaced through the response envelope. Transports match
// with errors.Is and render the message as statusMessage.
var (
	// ErrSessionNotFound's text is a wire contract: clients reconnect when
	// they see it.
	ErrSessionNotFound = errors.New("Agent session not found")

	ErrChannelNotFound   = errors.New("channel not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAgentNameConflict = errors.New("agent name already connected")
	ErrBadRequest        = errors.New("bad request")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrTransient         = errors.New("temporarily unavailable, retry")
)
