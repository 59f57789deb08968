package retry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// UnknownCode is used when an error carries no recognisable code.
const UnknownCode = "UNKNOWN_ERROR"

// Error categories, used for metrics and logs only.
const (
	CategoryNetwork    = "network"
	CategoryTimeout    = "timeout"
	CategoryRateLimit  = "rate_limit"
	CategoryValidation = "validation"
	CategoryUnknown    = "unknown"
)

var codePattern = regexp.MustCompile(`^\s*([A-Z][A-Z0-9_]*):`)

// Error is a failure with an explicit code and retry decision, set where the
// failure happens. Processors and handlers should prefer returning *Error;
// plain errors fall back to token matching on their message.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable builds a transient *Error.
func Retryable(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Terminal builds a non-retryable *Error.
func Terminal(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is transient. A *Error in the chain decides
// on its own; otherwise err's message is matched against tokens.
// TODO: drop the message fallback once every processor returns *Error.
func IsRetryable(err error, tokens []string) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	msg := strings.ToUpper(err.Error())
	for _, tok := range tokens {
		if tok != "" && strings.Contains(msg, strings.ToUpper(tok)) {
			return true
		}
	}
	return false
}

// Code extracts the error code: the Code of a *Error in the chain, else the
// leading UPPER_SNAKE token before a colon, else UnknownCode.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	if m := codePattern.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return UnknownCode
}

// Category buckets err by substring for metrics labels.
func Category(err error) string {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return CategoryNetwork
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		return CategoryRateLimit
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}
