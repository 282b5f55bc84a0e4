package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider runs phase prompts against the OpenAI chat API. It is
// the reference API-backed implementation of the bridge contract: the
// streamed completion maps to assistant events, and the accumulated
// text becomes the single result event.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	model  string
}

// NewOpenAIFromEnv builds the adapter from OPENAI_API_KEY. A missing
// key is a configuration error so bootstrap can report it before any
// run starts.
func NewOpenAIFromEnv() (*OpenAIProvider, error) {
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		return nil, &ConfigError{Message: "OPENAI_API_KEY is required for the openai provider"}
	}
	cfg := openai.DefaultConfig(key)
	if base := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	}
	return &OpenAIProvider{
		name:   "openai",
		client: openai.NewClientWithConfig(cfg),
		model:  openai.GPT4o,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Run(ctx context.Context, prompt string, opts Options) (Stream, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		// The stream owns the context for its whole lifetime.
		return p.open(ctx, cancel, model, prompt)
	}
	return p.open(ctx, nil, model, prompt)
}

func (p *OpenAIProvider) open(ctx context.Context, cancel context.CancelFunc, model, prompt string) (Stream, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	cs, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, p.classify(err)
	}
	return &openaiStream{provider: p, cs: cs, cancel: cancel}, nil
}

// classify maps go-openai errors onto the bridge error classes.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		class := ClassTransport
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			class = ClassAuth
		case apiErr.HTTPStatusCode == 429:
			class = ClassRateLimit
		case apiErr.HTTPStatusCode == 408:
			class = ClassTimeout
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			class = ClassConfig
		}
		return &Error{ProviderName: p.name, Class: class, Message: apiErr.Message, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{ProviderName: p.name, Class: ClassTimeout, Message: "request deadline exceeded", Cause: err}
	}
	return &Error{ProviderName: p.name, Class: ClassTransport, Cause: err}
}

type openaiStream struct {
	provider *OpenAIProvider
	cs       *openai.ChatCompletionStream
	cancel   context.CancelFunc

	text   strings.Builder
	tokens int64
	done   bool
}

func (s *openaiStream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	for {
		resp, err := s.cs.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return Event{Kind: EventResult, Content: s.text.String(), TokensTotal: s.tokens}, nil
		}
		if err != nil {
			s.done = true
			return Event{}, s.provider.classify(err)
		}
		if resp.Usage != nil {
			total := int64(resp.Usage.TotalTokens)
			delta := total - s.tokens
			if delta < 0 {
				delta = 0
			}
			s.tokens = total
			return Event{Kind: EventUsage, TokensDelta: delta, TokensTotal: total}, nil
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.text.WriteString(delta)
		return Event{Kind: EventAssistant, Content: delta, TokensTotal: s.tokens}, nil
	}
}

func (s *openaiStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.cs.Close()
}
