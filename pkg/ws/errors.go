package ws

import "errors"

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrChannelFull      = errors.New("ws: send channel full")
	ErrInvalidMessage   = errors.New("ws: invalid message format")
	ErrEmptyEvent       = errors.New("ws: message event is required")
	ErrBinaryFrame      = errors.New("ws: binary frames are not supported")
	ErrTooManyInvalid   = errors.New("ws: too many invalid frames")
	ErrInvalidConfig    = errors.New("ws: invalid config")
)
