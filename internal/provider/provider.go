// Package provider defines the bridge between the engine and coding
// agents. A provider turns one prompt into a lazy stream of events; the
// engine persists every event and treats exactly one result event as
// the success marker for the attempt.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// EventKind enumerates the event types a provider stream may emit.
type EventKind string

const (
	EventSystem     EventKind = "system"
	EventAssistant  EventKind = "assistant"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventUsage      EventKind = "usage"
	EventResult     EventKind = "result"
)

// Event is one item of a provider stream. Usage events carry both the
// delta for this event and the cumulative total, which never decreases
// within a stream. Result events carry the final output in Content and
// optional structured metadata.
type Event struct {
	Kind        EventKind
	Content     string
	Metadata    map[string]any
	TokensDelta int64
	TokensTotal int64
}

// Options configures one provider invocation.
type Options struct {
	Model            string
	WorkingDirectory string
	Timeout          time.Duration
	Permissions      []string
	Context          map[string]string
}

// Stream yields events one at a time. Next returns io.EOF after the
// last event; Close releases any underlying resources and is safe to
// call more than once.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Provider executes one phase prompt against a coding agent.
type Provider interface {
	Name() string
	Run(ctx context.Context, prompt string, opts Options) (Stream, error)
}

// Registry maps provider names to implementations.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(p Provider) {
	if r.providers == nil {
		r.providers = map[string]Provider{}
	}
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

func (r *Registry) SetDefault(name string) { r.fallback = name }

// Resolve returns the provider for name, or the default when name is
// empty. An unknown name is a configuration error, never retryable.
func (r *Registry) Resolve(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	if name == "" {
		return nil, &ConfigError{Message: "no provider specified and no default configured"}
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, &ConfigError{Message: fmt.Sprintf("unknown provider: %s", name)}
	}
	return p, nil
}

func (r *Registry) Names() []string {
	if r == nil || len(r.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultModels maps a provider name to the inexpensive model used for
// auxiliary work such as failure summarization.
var DefaultModels = map[string]string{
	"codex":  "gpt-5-mini",
	"openai": "gpt-4o-mini",
	"claude": "claude-haiku",
	"gemini": "gemini-flash",
	"script": "scripted",
}

// CheapModel returns the auxiliary model for a provider, falling back
// to the provider's own default when it is not in the table.
func CheapModel(name string) string {
	if m, ok := DefaultModels[name]; ok {
		return m
	}
	return ""
}
