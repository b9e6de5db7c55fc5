package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass categorizes provider errors.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// classPatterns are checked in order; the first class with a matching
// substring wins.
var classPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrorClassAuth, []string{"401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "overloaded", "529"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "prompt is too long"}},
}

// ClassifyError maps an error to the most specific class its message matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, cp := range classPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(msg, p) {
				return cp.class
			}
		}
	}
	return ErrorClassUnknown
}

// ErrorText renders err as the in-band result agents return instead of failing.
func ErrorText(err error) string {
	return fmt.Sprintf("[error:%s] %s", ClassifyError(err), err.Error())
}

// IsErrorText reports whether s was produced by ErrorText.
func IsErrorText(s string) bool {
	return strings.HasPrefix(s, "[error:")
}
