// Package retry holds the retry policy value object shared by the event bus,
// the operation queue and the saga manager, together with the error
// classification used to decide whether a failure is worth retrying.
package retry

import (
	"context"
	"math"
	"time"
)

// Error tokens recognised as transient by default.
const (
	NetworkError         = "NETWORK_ERROR"
	TimeoutError         = "TIMEOUT_ERROR"
	TemporaryUnavailable = "TEMPORARY_UNAVAILABLE"
	RateLimited          = "RATE_LIMITED"
	ServiceUnavailable   = "SERVICE_UNAVAILABLE"
)

// DefaultRetryableErrors is the token set used by event subscriptions.
var DefaultRetryableErrors = []string{NetworkError, TimeoutError, TemporaryUnavailable, RateLimited}

// OperationRetryableErrors extends the default set for queued operations.
var OperationRetryableErrors = append(append([]string(nil), DefaultRetryableErrors...), ServiceUnavailable)

// Policy configures how many times and how far apart a failed unit of work
// is retried.
type Policy struct {
	MaxRetries        int      `yaml:"max_retries" json:"maxRetries"`
	InitialDelayMs    int64    `yaml:"initial_delay_ms" json:"initialDelayMs"`
	MaxDelayMs        int64    `yaml:"max_delay_ms" json:"maxDelayMs"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" json:"backoffMultiplier"`
	RetryableErrors   []string `yaml:"retryable_errors" json:"retryableErrors"`
}

// DefaultPolicy returns 3 retries, 1s initial delay, 30s cap, x2 backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2,
		RetryableErrors:   append([]string(nil), DefaultRetryableErrors...),
	}
}

// DefaultOperationPolicy is DefaultPolicy with the operation token set.
func DefaultOperationPolicy() Policy {
	p := DefaultPolicy()
	p.RetryableErrors = append([]string(nil), OperationRetryableErrors...)
	return p
}

// WithDefaults fills zero fields of p from def. MaxRetries is only taken from
// def when p is entirely empty, so an explicit zero-retry policy survives.
func (p Policy) WithDefaults(def Policy) Policy {
	if p.isEmpty() {
		return def
	}
	if p.InitialDelayMs <= 0 {
		p.InitialDelayMs = def.InitialDelayMs
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = def.MaxDelayMs
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if len(p.RetryableErrors) == 0 {
		p.RetryableErrors = append([]string(nil), def.RetryableErrors...)
	}
	return p
}

func (p Policy) isEmpty() bool {
	return p.MaxRetries == 0 && p.InitialDelayMs == 0 && p.MaxDelayMs == 0 &&
		p.BackoffMultiplier == 0 && len(p.RetryableErrors) == 0
}

// Delay returns min(initialDelay * multiplier^attempt, maxDelay). It is
// non-decreasing in attempt and never exceeds MaxDelayMs.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := float64(p.InitialDelayMs)
	if initial <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	ms := initial * math.Pow(mult, float64(attempt))
	if p.MaxDelayMs > 0 && (ms > float64(p.MaxDelayMs) || math.IsInf(ms, 1) || math.IsNaN(ms)) {
		ms = float64(p.MaxDelayMs)
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// IsRetryable reports whether err should be retried under p.
func (p Policy) IsRetryable(err error) bool {
	return IsRetryable(err, p.RetryableErrors)
}

// Wait blocks for d or until ctx is done. It reports whether the full delay
// elapsed.
func Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
