package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"insight-queue/internal/handler"
)

// Policy controls how failed attempts are re-scheduled. It is pure
// configuration with no side effects; only the dispatcher consults it.
type Policy struct {
	// MaxAttempts bounds handler invocations per job, first attempt
	// included.
	MaxAttempts int
	// InitialDelay is the backoff before the first retry; it doubles
	// per attempt.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultPolicy matches the reference configuration: three retries
// beyond the first attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// Delay returns how long to wait before re-delivering a job that has
// made attempt invocations so far: min(initial * 2^attempt, max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retryable classifies a handler failure. Explicitly tagged errors keep
// their tag; untagged errors are retryable only when they look like a
// transient condition: timeouts, connection reset or refusal, DNS
// failure, or an upstream rate-limit signal. Everything else is fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var herr *handler.Error
	if errors.As(err, &herr) {
		return herr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}

	return false
}
