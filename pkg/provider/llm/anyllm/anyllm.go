// Package anyllm provides an llm.Endpoint backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports Mistral, Anthropic, Gemini, Ollama, llama.cpp, DeepSeek, Groq and
// more.
//
// Usage:
//
//	ep, err := anyllm.New("mistral", "mistral-small-latest", anyllm.WithAPIKey("..."))
//	stream, err := ep.Generate(ctx, conv)
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"

	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// Providers lists the backend names accepted by [New].
var Providers = []string{
	"mistral", "anthropic", "gemini", "ollama", "llamacpp", "llamafile", "deepseek", "groq",
}

// streamer is the part of an any-llm-go provider this package uses.
type streamer interface {
	CompletionStream(ctx context.Context, params anyllmlib.CompletionParams) (<-chan anyllmlib.ChatCompletionChunk, <-chan error)
}

// Provider implements llm.Endpoint by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend  streamer
	name     string
	model    string
	defaults llm.Parameters
}

type config struct {
	libOpts    []anyllmlib.Option
	completion llm.CompletionMode
	defaults   llm.Parameters
}

// Option is a functional option for Provider.
type Option func(*config)

// WithAPIKey sets the backend API key. Without it the backend reads its usual
// environment variable (MISTRAL_API_KEY, ANTHROPIC_API_KEY, ...).
func WithAPIKey(key string) Option {
	return func(c *config) {
		if key != "" {
			c.libOpts = append(c.libOpts, anyllmlib.WithAPIKey(key))
		}
	}
}

// WithBaseURL overrides the backend address, e.g. a local Ollama or llama.cpp
// server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		if url != "" {
			c.libOpts = append(c.libOpts, anyllmlib.WithBaseURL(url))
		}
	}
}

// WithCompletion selects the completion mode. Only chat completions are
// supported.
func WithCompletion(mode llm.CompletionMode) Option {
	return func(c *config) {
		c.completion = mode
	}
}

// WithDefaultParameters sets the model defaults that conversation overrides
// are merged over.
func WithDefaultParameters(p llm.Parameters) Option {
	return func(c *config) {
		c.defaults = p
	}
}

// New creates a Provider for the named backend.
//
// providerName is one of [Providers]. model is the backend model identifier
// (e.g. "mistral-small-latest", "llama3").
func New(providerName string, model string, opts ...Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("%w: anyllm: providerName must not be empty", llm.ErrConfiguration)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: anyllm: model must not be empty", llm.ErrConfiguration)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if err := llm.CheckCompletion(cfg.completion); err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}

	backend, err := createBackend(providerName, cfg.libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{
		backend:  backend,
		name:     strings.ToLower(providerName),
		model:    model,
		defaults: cfg.defaults,
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (streamer, error) {
	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(providerName) {
	case "mistral":
		backend, err = mistral.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "llamacpp":
		backend, err = llamacpp.New(opts...)
	case "llamafile":
		backend, err = llamafile.New(opts...)
	case "deepseek":
		backend, err = deepseek.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q; supported: %s",
			llm.ErrConfiguration, providerName, strings.Join(Providers, ", "))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", llm.ErrInitialization, err)
	}
	return backend, nil
}

// Generate implements llm.Endpoint.
func (p *Provider) Generate(ctx context.Context, conv llm.Conversation) (*llm.TokenStream, error) {
	params, err := p.buildParams(conv)
	if err != nil {
		return nil, fmt.Errorf("anyllm: build params: %w", err)
	}

	return llm.NewTokenStream(ctx, func(ctx context.Context, emit func(llm.Event) bool) error {
		backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

		var asm llm.Assembler
		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			ev, ok := asm.Delta(llm.RoleAssistant, choice.Delta.Content, string(choice.FinishReason))
			if !ok {
				continue
			}
			if !emit(ev) {
				return ctx.Err()
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s: %w", llm.ErrProviderRequest, p.name, err)
		}
		emit(asm.Final())
		return nil
	}), nil
}

// buildParams converts a Conversation into anyllm CompletionParams.
func (p *Provider) buildParams(conv llm.Conversation) (anyllmlib.CompletionParams, error) {
	var messages []anyllmlib.Message
	for _, m := range conv.WithPreprompt() {
		msg, err := convertMessage(m)
		if err != nil {
			return anyllmlib.CompletionParams{}, err
		}
		messages = append(messages, msg)
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	// top_k, min_p, truncate, repetition_penalty and extras are not part of the
	// unified parameter set and are dropped.
	gp := conv.EffectiveParameters(p.defaults)
	if gp.Temperature != nil {
		t := *gp.Temperature
		params.Temperature = &t
	}
	if gp.MaxNewTokens != nil {
		mt := *gp.MaxNewTokens
		params.MaxTokens = &mt
	}
	if gp.TopP != nil {
		tp := *gp.TopP
		params.TopP = &tp
	}
	if len(gp.Stop) > 0 {
		params.Stop = append([]string(nil), gp.Stop...)
	}
	return params, nil
}

// convertMessage converts an llm.Message to anyllm.Message.
func convertMessage(m llm.Message) (anyllmlib.Message, error) {
	switch m.Role {
	case llm.RoleSystem:
		return anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: m.Content}, nil
	case llm.RoleUser:
		return anyllmlib.Message{Role: anyllmlib.RoleUser, Content: m.Content}, nil
	case llm.RoleAssistant:
		return anyllmlib.Message{Role: anyllmlib.RoleAssistant, Content: m.Content}, nil
	default:
		return anyllmlib.Message{}, fmt.Errorf("%w: anyllm: unknown message role %q", llm.ErrConfiguration, m.Role)
	}
}

// Ensure Provider implements llm.Endpoint at compile time.
var _ llm.Endpoint = (*Provider)(nil)
