package errors

import "errors"

// Session errors.
var (
	ErrInvalidSession = errors.New("session invalid or expired")
	ErrNoClient       = errors.New("no client configured for server")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
	ErrNotFound    = errors.New("not found")
)
