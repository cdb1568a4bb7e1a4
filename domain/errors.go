package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token expired")
	ErrUnknownPrompt       = errors.New("unknown prompt")
	ErrUpstreamUnavailable = errors.New("upstream session unavailable")
	ErrMalformedEvent      = errors.New("malformed event")
	ErrInvalidConfig       = errors.New("invalid music config")
	ErrSessionClosed       = errors.New("generation session closed")
)

// ErrorCode returns the wire code for a domain error, used in server.error
// envelopes and HTTP error bodies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrUnknownPrompt):
		return "unknown_prompt"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "internal_error"
	}
}
