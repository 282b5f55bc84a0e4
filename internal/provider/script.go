package provider

import (
	"context"
	"io"
	"sync"
)

// ScriptProvider replays canned transcripts keyed by a caller-supplied
// selector. It backs the engine tests and the CLI dry-run shim: each
// invocation pops the next scripted outcome for the matching key, so a
// test can make attempt 1 fail and attempt 2 succeed.
type ScriptProvider struct {
	name string

	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   []Call
}

// Outcome is one scripted invocation result. Err, when set, aborts the
// stream after Events have been replayed.
type Outcome struct {
	Events []Event
	Err    error
}

// Call records one observed invocation for assertions.
type Call struct {
	Key    string
	Prompt string
	Opts   Options
}

// NewScript builds a provider named "script" unless overridden.
func NewScript(name string) *ScriptProvider {
	if name == "" {
		name = "script"
	}
	return &ScriptProvider{name: name, scripts: map[string][]Outcome{}}
}

func (p *ScriptProvider) Name() string { return p.name }

// On queues outcomes for a key. Keys are matched against the options
// context value "node_key" first, then against the prompt's first line.
func (p *ScriptProvider) On(key string, outcomes ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[key] = append(p.scripts[key], outcomes...)
}

// Succeed queues a minimal successful transcript: one assistant event,
// one usage event, and a result event carrying output.
func (p *ScriptProvider) Succeed(key, output string, metadata map[string]any) {
	p.On(key, Outcome{Events: []Event{
		{Kind: EventAssistant, Content: "working on it"},
		{Kind: EventUsage, TokensDelta: 10, TokensTotal: 10},
		{Kind: EventResult, Content: output, Metadata: metadata, TokensTotal: 10},
	}})
}

// Fail queues a transcript that emits partial output then dies with a
// classified error.
func (p *ScriptProvider) Fail(key string, class Class, message string, partial ...Event) {
	p.On(key, Outcome{
		Events: partial,
		Err:    &Error{ProviderName: p.name, Class: class, Message: message},
	})
}

// Calls returns the invocations observed so far.
func (p *ScriptProvider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *ScriptProvider) Run(ctx context.Context, prompt string, opts Options) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := opts.Context["node_key"]
	if key == "" {
		key = firstLine(prompt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Key: key, Prompt: prompt, Opts: opts})

	queue := p.scripts[key]
	if len(queue) == 0 {
		return nil, &ConfigError{Message: "no scripted outcome for key " + key}
	}
	outcome := queue[0]
	p.scripts[key] = queue[1:]
	return &scriptStream{events: outcome.Events, err: outcome.Err}, nil
}

type scriptStream struct {
	events []Event
	err    error
	pos    int
}

func (s *scriptStream) Next() (Event, error) {
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *scriptStream) Close() error { return nil }

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
