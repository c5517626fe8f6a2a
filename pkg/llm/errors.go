package llm

import (
	"context"
	"errors"
	"net"
	"strings"
)

var retryableMarkers = []string{
	"429",
	"500",
	"502",
	"503",
	"504",
	"rate limit",
	"too many requests",
	"connection refused",
	"connection reset",
	"timeout",
	"unexpected eof",
	"temporarily unavailable",
}

// isRetryable reports whether a provider error is worth another attempt.
// parent is the caller's context: its own cancellation is never retryable.
func isRetryable(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
