// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket rate limiting
	RateLimitMessages = 10          // Max capture messages per window
	RateLimitWindow   = time.Second // Sliding window duration

	// Upper bound on a single HTTP capture when the client sets none
	RequestTimeout = 30 * time.Second

	// Headers describing the returned frame
	HeaderFrameWidth   = "X-Frame-Width"
	HeaderFrameHeight  = "X-Frame-Height"
	HeaderFrameHash    = "X-Frame-Hash"
	HeaderFrameOutput  = "X-Frame-Output"
	HeaderFrameBackend = "X-Frame-Backend"
)
