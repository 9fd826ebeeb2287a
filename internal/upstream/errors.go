// Package upstream wraps calls to external platform APIs with retries,
// quota detection, client re-initialization and operator alerts.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable is returned when an upstream call could not complete.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrQuotaExhausted marks a quota or rate-limit rejection.
	ErrQuotaExhausted = errors.New("upstream quota exhausted")
	// ErrMalformedPayload marks a response that could not be parsed.
	ErrMalformedPayload = errors.New("malformed upstream payload")
	// ErrTransient marks a network or server failure worth retrying.
	ErrTransient = errors.New("transient upstream error")
)

var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"rateLimitExceeded":  true,
	"dailyLimitExceeded": true,
	"RateLimitExceeded":  true,
}

// StatusError is an HTTP-level failure reported by an upstream API.
type StatusError struct {
	Code   int
	Reason string
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("status %d", e.Code)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap lets server errors match ErrTransient.
func (e *StatusError) Unwrap() error {
	if e.Code >= 500 || e.Code == 408 {
		return ErrTransient
	}
	return nil
}

// Malformed wraps err as a malformed-payload error.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// IsQuota reports whether err carries a quota-exhaustion signature:
// ErrQuotaExhausted, a 403 status, a 429 status with a known quota reason,
// or an error message mentioning quotaExceeded.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == 403 || quotaReasons[se.Reason] {
			return true
		}
	}
	return strings.Contains(err.Error(), "quotaExceeded")
}

// authReasons are 4xx reasons fixed by re-initializing the client.
var authReasons = map[string]bool{
	"ExpiredToken":  true,
	"InvalidToken":  true,
	"AuthMissing":   true,
	"authError":     true,
	"invalid_token": true,
}

// IsClientError reports whether err is a 4xx rejection that a retry cannot fix.
func IsClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) || se.Code < 400 || se.Code >= 500 {
		return false
	}
	switch se.Code {
	case 401, 408, 429:
		return false
	}
	return !authReasons[se.Reason]
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		IsClientError(err)
}

// Alerter delivers high-severity operator messages.
type Alerter interface {
	Alert(ctx context.Context, client, message string)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, client, message string)

// Alert calls f.
func (f AlerterFunc) Alert(ctx context.Context, client, message string) {
	f(ctx, client, message)
}

// Observer records call outcomes.
type Observer interface {
	ObserveCall(client, outcome string)
}
