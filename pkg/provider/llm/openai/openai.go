// Package openai provides an llm.Endpoint backed by an OpenAI-compatible
// chat-completions API. Besides api.openai.com it serves text-generation-inference
// servers (which expose the same Messages API under /v1) and SigV4-protected
// inference endpoints via [SigV4Middleware].
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// Provider implements llm.Endpoint using an OpenAI-compatible API.
type Provider struct {
	client   oai.Client
	model    string
	defaults llm.Parameters
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	completion   llm.CompletionMode
	defaults     llm.Parameters
	middlewares  []option.Middleware
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithCompletion selects the completion mode. Only chat completions are
// supported; New rejects anything else.
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

// WithMiddleware adds HTTP middlewares that see every outgoing request, e.g.
// request signing.
func WithMiddleware(mw ...option.Middleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// New constructs a new OpenAI-compatible Provider. An empty apiKey sends no
// Authorization header; a placeholder key is accepted as is.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: openai: model must not be empty", llm.ErrConfiguration)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if err := llm.CheckCompletion(cfg.completion); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retry policy belongs to the caller.
		option.WithMaxRetries(0),
	}
	if apiKey == "" {
		reqOpts = append(reqOpts, option.WithHeaderDel("authorization"))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if len(cfg.middlewares) > 0 {
		reqOpts = append(reqOpts, option.WithMiddleware(cfg.middlewares...))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, defaults: cfg.defaults}, nil
}

// Generate implements llm.Endpoint. The HTTP request is issued by the stream's
// producer, so connection and authentication failures surface on the first
// Next call.
func (p *Provider) Generate(ctx context.Context, conv llm.Conversation) (*llm.TokenStream, error) {
	params, err := p.buildParams(conv)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	return llm.NewTokenStream(ctx, func(ctx context.Context, emit func(llm.Event) bool) error {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var asm llm.Assembler
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			ev, ok := asm.Delta(string(choice.Delta.Role), choice.Delta.Content, string(choice.FinishReason))
			if !ok {
				continue
			}
			if !emit(ev) {
				return ctx.Err()
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: openai: %w", llm.ErrProviderRequest, err)
		}
		emit(asm.Final())
		return nil
	}), nil
}

// buildParams converts a Conversation into OpenAI SDK params.
func (p *Provider) buildParams(conv llm.Conversation) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range conv.WithPreprompt() {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	applyParameters(&params, conv.EffectiveParameters(p.defaults))
	return params, nil
}

// applyParameters translates generation parameters to OpenAI field names.
// top_k, min_p, truncate, penalize_newline and extras have no OpenAI
// equivalent and are dropped.
func applyParameters(params *oai.ChatCompletionNewParams, gp llm.Parameters) {
	if gp.Temperature != nil {
		params.Temperature = param.NewOpt(*gp.Temperature)
	}
	if gp.MaxNewTokens != nil {
		params.MaxTokens = param.NewOpt(int64(*gp.MaxNewTokens))
	}
	if gp.TopP != nil {
		params.TopP = param.NewOpt(*gp.TopP)
	}
	if gp.RepetitionPenalty != nil {
		params.FrequencyPenalty = param.NewOpt(*gp.RepetitionPenalty)
	}
	if len(gp.Stop) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: gp.Stop}
	}
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("%w: openai: unknown message role %q", llm.ErrConfiguration, m.Role)
	}
}

// Ensure Provider implements llm.Endpoint at compile time.
var _ llm.Endpoint = (*Provider)(nil)
