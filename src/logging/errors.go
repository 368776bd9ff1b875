package logging

import (
	"errors"
	"strings"

	"github.com/stake-plus/agentexec/src/bus"
)

// IsRateLimit reports whether err looks like an upstream rate limit.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429")
}

// IsDrop reports whether err is a bus drop rather than a real failure.
func IsDrop(err error) bool {
	return errors.Is(err, bus.ErrBusFull) || errors.Is(err, bus.ErrStopped)
}
