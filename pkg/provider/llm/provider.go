// Package llm defines the normalized contract between the chat application and
// its inference backends.
//
// A logical model resolves to an [Endpoint]: a provider-specific adapter that
// turns a [Conversation] into exactly one streaming chat-completion request and
// exposes the provider's response as a [TokenStream] of unified [Event] values.
// Adapters live in sub-packages (openai, anyllm); the mock sub-package provides
// a test double.
//
// Implementors must be safe for concurrent use. Each call to Generate owns its
// stream; abandoning a stream without calling Close leaks the provider
// connection until the supplied context is cancelled.
package llm

import (
	"context"
	"fmt"
)

// CompletionMode selects the provider API family an endpoint talks to.
type CompletionMode string

const (
	// CompletionChatCompletions is the streaming chat-completions API. It is the
	// only supported mode.
	CompletionChatCompletions CompletionMode = "chat_completions"
)

// CheckCompletion returns a configuration error unless mode is supported.
// The empty mode is treated as [CompletionChatCompletions].
func CheckCompletion(mode CompletionMode) error {
	switch mode {
	case "", CompletionChatCompletions:
		return nil
	}
	return fmt.Errorf("%w: unsupported completion type %q", ErrConfiguration, mode)
}

// ModelInfo is the owning logical model as seen by an adapter.
type ModelInfo struct {
	// ID is the model identifier sent to providers unless the endpoint
	// overrides it.
	ID string

	// Name is the configured model name. It also builds the fallback endpoint
	// address.
	Name string

	// DisplayName is the human-readable name used in logs.
	DisplayName string

	// Parameters are the model's default generation parameters.
	Parameters Parameters
}

// Endpoint is a resolved, invokable inference endpoint.
type Endpoint interface {
	// Generate issues one streaming chat request for conv and returns the
	// normalized token stream. A non-nil error is returned only for failures
	// detected before any network I/O (for example an unknown message role);
	// provider failures surface through [TokenStream.Err].
	Generate(ctx context.Context, conv Conversation) (*TokenStream, error)
}

// EndpointFunc adapts an ordinary function to the [Endpoint] interface.
type EndpointFunc func(ctx context.Context, conv Conversation) (*TokenStream, error)

// Generate calls f(ctx, conv).
func (f EndpointFunc) Generate(ctx context.Context, conv Conversation) (*TokenStream, error) {
	return f(ctx, conv)
}
