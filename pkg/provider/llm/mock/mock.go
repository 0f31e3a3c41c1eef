// Package mock provides a test double for the llm.Endpoint interface.
//
// Use Endpoint in unit tests to verify which Conversation reached the backend
// and to feed controlled event streams without a live provider.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	ep := &mock.Endpoint{
//	    Events: []llm.Event{{Type: llm.EventDelta, Content: "Hello"}},
//	}
//	stream, err := ep.Generate(ctx, conv)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Conv is the Conversation passed to Generate.
	Conv llm.Conversation
}

// Endpoint is a mock implementation of llm.Endpoint.
type Endpoint struct {
	mu sync.Mutex

	// Events is the sequence emitted by every stream returned from Generate.
	Events []llm.Event

	// StreamErr, if non-nil, ends every stream after Events were delivered.
	StreamErr error

	// GenerateErr, if non-nil, is returned by Generate instead of a stream.
	GenerateErr error

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall
}

// Generate records the call and returns a stream of Events ending with
// StreamErr. If GenerateErr is set it is returned without opening a stream.
func (e *Endpoint) Generate(ctx context.Context, conv llm.Conversation) (*llm.TokenStream, error) {
	e.mu.Lock()
	e.GenerateCalls = append(e.GenerateCalls, GenerateCall{Ctx: ctx, Conv: conv})
	if e.GenerateErr != nil {
		err := e.GenerateErr
		e.mu.Unlock()
		return nil, err
	}
	events := make([]llm.Event, len(e.Events))
	copy(events, e.Events)
	streamErr := e.StreamErr
	e.mu.Unlock()

	return llm.StreamOf(ctx, streamErr, events...), nil
}

// Calls returns a snapshot of the recorded calls. Thread-safe.
func (e *Endpoint) Calls() []GenerateCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]GenerateCall, len(e.GenerateCalls))
	copy(out, e.GenerateCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.GenerateCalls = nil
}

// Ensure Endpoint implements llm.Endpoint at compile time.
var _ llm.Endpoint = (*Endpoint)(nil)
