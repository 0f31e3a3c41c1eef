package llm

import (
	"context"
	"errors"
	"strings"
)

// Producer generates the events of a [TokenStream]. It must call emit for
// every event in order and stop as soon as emit returns false, which happens
// when the stream was closed or ctx was cancelled. A non-nil return value
// becomes the terminal error of the stream.
type Producer func(ctx context.Context, emit func(Event) bool) error

// TokenStream is a lazy, forward-only, single-pass sequence of [Event] values.
//
// Production is suspended between events: the producer hands each event over
// only when the consumer asks for the next one. Typical use:
//
//	defer stream.Close()
//	for stream.Next() {
//	    ev := stream.Current()
//	    ...
//	}
//	if err := stream.Err(); err != nil { ... }
//
// A TokenStream is not safe for concurrent use by multiple consumers.
type TokenStream struct {
	events <-chan Event
	done   chan struct{}
	cancel context.CancelFunc

	// producerErr is written by the producer goroutine before done is closed.
	producerErr error

	cur      Event
	err      error
	finished bool
	closed   bool
}

// NewTokenStream starts produce in its own goroutine and returns the consuming
// side. Cancelling ctx or calling [TokenStream.Close] cancels the context
// handed to produce.
func NewTokenStream(ctx context.Context, produce Producer) *TokenStream {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event)
	s := &TokenStream{
		events: events,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer close(events)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.producerErr = produce(ctx, emit)
	}()

	return s
}

// StreamOf returns a TokenStream that yields events and then ends with err
// (which may be nil). Useful for tests and fixed responses.
func StreamOf(ctx context.Context, err error, events ...Event) *TokenStream {
	return NewTokenStream(ctx, func(ctx context.Context, emit func(Event) bool) error {
		for _, ev := range events {
			if !emit(ev) {
				return ctx.Err()
			}
		}
		return err
	})
}

// Next advances to the next event. It blocks until the producer delivers an
// event or finishes and reports false once the stream is exhausted, failed, or
// closed.
func (s *TokenStream) Next() bool {
	if s.finished {
		return false
	}
	ev, ok := <-s.events
	if ok {
		s.cur = ev
		return true
	}
	<-s.done
	s.finished = true
	if !s.closed {
		s.err = s.producerErr
	}
	s.cancel()
	return false
}

// Current returns the event produced by the last successful call to Next.
func (s *TokenStream) Current() Event {
	return s.cur
}

// Err returns the terminal error of the stream, if any. It is only meaningful
// after Next has returned false. Closing a stream early is not an error.
func (s *TokenStream) Err() error {
	return s.err
}

// Close aborts production and releases the provider connection. It waits for
// the producer to return and is safe to call more than once.
func (s *TokenStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	// Drain anything the producer managed to hand over before seeing ctx.Done.
	for range s.events {
	}
	<-s.done
	s.finished = true
	return nil
}

// Collect drains the stream and returns the final event. It fails with the
// stream error, or with ErrProviderRequest when the stream ended without a
// final event.
func Collect(s *TokenStream) (Event, error) {
	defer s.Close()
	var (
		final    Event
		gotFinal bool
		text     strings.Builder
	)
	for s.Next() {
		ev := s.Current()
		switch ev.Type {
		case EventDelta:
			text.WriteString(ev.Content)
		case EventFinal:
			final, gotFinal = ev, true
		}
	}
	if err := s.Err(); err != nil {
		return Event{}, err
	}
	if !gotFinal {
		return Event{Type: EventFinal, Content: text.String()}, errors.Join(ErrProviderRequest, errors.New("stream ended without final event"))
	}
	return final, nil
}

// Assembler converts OpenAI-style streamed chunks (role, content delta,
// finish_reason) into normalized events. The zero value is ready to use.
type Assembler struct {
	text         strings.Builder
	tokens       int
	role         string
	finishReason string
}

// Delta records one chunk and returns the delta event to emit, if any. Chunks
// without content produce no event but may carry the role or the finish
// reason. Providers send the role once; it is stamped on every later delta.
func (a *Assembler) Delta(role, content, finishReason string) (Event, bool) {
	if role != "" {
		a.role = role
	}
	if finishReason != "" {
		a.finishReason = finishReason
	}
	if content == "" {
		return Event{}, false
	}
	a.tokens++
	a.text.WriteString(content)
	return Event{Type: EventDelta, Role: a.role, Content: content}, true
}

// Final returns the terminal event summarizing everything recorded so far.
func (a *Assembler) Final() Event {
	reason := a.finishReason
	if reason == "" {
		reason = "stop"
	}
	return Event{
		Type:         EventFinal,
		Content:      a.text.String(),
		FinishReason: reason,
		TokenCount:   a.tokens,
	}
}
