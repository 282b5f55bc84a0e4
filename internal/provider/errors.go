package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class buckets provider failures for retry policy and diagnostics.
type Class string

const (
	ClassAuth      Class = "auth"
	ClassConfig    Class = "config"
	ClassTimeout   Class = "timeout"
	ClassRateLimit Class = "rate_limit"
	ClassTransport Class = "transport"
	ClassInternal  Class = "internal"
)

// Retryable reports whether failures of this class are worth retrying
// without operator intervention.
func (c Class) Retryable() bool {
	switch c {
	case ClassTimeout, ClassRateLimit, ClassTransport:
		return true
	}
	return false
}

// Error is the classified error produced by provider adapters.
type Error struct {
	ProviderName string
	Class        Class
	Message      string
	Cause        error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.ProviderName == "" {
		return fmt.Sprintf("provider error (%s): %s", e.Class, msg)
	}
	return fmt.Sprintf("%s error (%s): %s", e.ProviderName, e.Class, msg)
}

func (e *Error) Unwrap() error   { return e.Cause }
func (e *Error) Retryable() bool { return e.Class.Retryable() }

// ConfigError covers misconfiguration detected before any request is
// made: unknown provider names, missing credentials, bad options.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string   { return "configuration error: " + strings.TrimSpace(e.Message) }
func (e *ConfigError) Retryable() bool { return false }

// PhaseRunError wraps a mid-stream failure together with whatever the
// attempt produced before dying, so the engine can persist the partial
// transcript and feed it to the error handler.
type PhaseRunError struct {
	Cause       error
	Events      []Event
	TokensTotal int64
}

func (e *PhaseRunError) Error() string {
	return fmt.Sprintf("phase run failed after %d events: %v", len(e.Events), e.Cause)
}

func (e *PhaseRunError) Unwrap() error { return e.Cause }

// Classify maps an arbitrary error onto a failure class. Classified
// errors pass through; context errors become timeouts; everything else
// is a transport failure, the retryable default.
func Classify(err error) Class {
	if err == nil {
		return ClassInternal
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ClassConfig
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassInternal
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return ClassRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return ClassTimeout
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "api key") || strings.Contains(lower, "401"):
		return ClassAuth
	}
	return ClassTransport
}

// Retryable reports whether err should be retried per its class.
func Retryable(err error) bool { return Classify(err).Retryable() }
