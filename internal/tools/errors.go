package tools

import "errors"

var (
	// ErrUnavailable means the platform could not be reached: the breaker is
	// open or every attempt failed.
	ErrUnavailable = errors.New("tools: platform unavailable")

	// ErrTimeout means an attempt exceeded the call timeout.
	ErrTimeout = errors.New("tools: call timed out")

	// ErrToolFailed means the platform answered with an error. Not retried.
	ErrToolFailed = errors.New("tools: tool reported an error")

	// ErrCircuitOpen is wrapped by ErrUnavailable when the call was refused
	// without a network attempt.
	ErrCircuitOpen = errors.New("tools: circuit open")
)
