package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAuthExpired marks a recoverable auth failure: a credential refresh plus
// one automatic retry is warranted.
var ErrAuthExpired = errors.New("authentication expired")

// ErrAuthFailed marks the second consecutive auth failure. It is surfaced to
// the caller exactly once per platform and auto-retry stops.
var ErrAuthFailed = errors.New("authentication failed; re-login required")

// RateLimitedError reports an outbound send rejected by the platform or the
// local limiter, with the wait the caller should observe.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in %s", e.RetryAfter.Round(time.Second))
}

// ErrorClass separates recoverable transport faults from terminal ones.
type ErrorClass int

const (
	// ClassTransport covers recoverable faults: the connection re-enters
	// Reconnecting and backs off.
	ClassTransport ErrorClass = iota
	// ClassAuth covers credential faults: refresh-and-retry-once, then stop.
	ClassAuth
	// ClassRateLimited means the caller must wait the announced duration.
	ClassRateLimited
	// ClassFatal means no retry will help (bad input, unknown channel).
	ClassFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ClassTransport:
		return "transport"
	case ClassAuth:
		return "auth"
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps an error from a connection or send path onto the taxonomy.
// Unknown errors are treated as transport faults so the reconnect loop keeps
// trying rather than giving up early.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAuthFailed) {
		return ClassAuth
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "login authentication failed"):
		return ClassAuth
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "rate limit"):
		return ClassRateLimited
	case strings.Contains(lower, "404"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "unknown channel"):
		return ClassFatal
	}
	return ClassTransport
}
