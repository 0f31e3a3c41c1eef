package llm

import (
	"encoding/json"
	"maps"
	"slices"
)

// Message roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string `json:"from"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// Conversation is the input of [Endpoint.Generate].
type Conversation struct {
	// Messages is the ordered conversation history.
	Messages []Message `json:"messages"`

	// Preprompt is an optional system instruction. When non-empty it is sent
	// as a single leading system-role message.
	Preprompt string `json:"preprompt,omitempty"`

	// Parameters holds per-conversation overrides of the model defaults. Nil
	// means no overrides.
	Parameters *Parameters `json:"parameters,omitempty"`
}

// WithPreprompt returns the messages to send to a provider: the conversation
// messages, preceded by one system message when Preprompt is non-empty. The
// returned slice is freshly allocated on every call.
func (c Conversation) WithPreprompt() []Message {
	out := make([]Message, 0, len(c.Messages)+1)
	if c.Preprompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: c.Preprompt})
	}
	return append(out, c.Messages...)
}

// EffectiveParameters merges the conversation overrides over defaults.
func (c Conversation) EffectiveParameters(defaults Parameters) Parameters {
	if c.Parameters == nil {
		return Merge(defaults, Parameters{})
	}
	return Merge(defaults, *c.Parameters)
}

// Parameters are the generation knobs of a request. Nil fields are unset and
// leave the decision to the provider. Adapters translate the fields they know
// to provider names and drop the rest.
type Parameters struct {
	Temperature       *float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxNewTokens      *int     `yaml:"max_new_tokens" json:"max_new_tokens,omitempty"`
	TopP              *float64 `yaml:"top_p" json:"top_p,omitempty"`
	TopK              *int     `yaml:"top_k" json:"top_k,omitempty"`
	MinP              *float64 `yaml:"min_p" json:"min_p,omitempty"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty" json:"repetition_penalty,omitempty"`
	Truncate          *int     `yaml:"truncate" json:"truncate,omitempty"`
	Stop              []string `yaml:"stop" json:"stop,omitempty"`
	PenalizeNewline   *bool    `yaml:"penalize_newline" json:"penalize_newline,omitempty"`

	// Extra keeps knobs without a named field (e.g. safe_mode).
	Extra map[string]any `yaml:",inline" json:"-"`
}

// Merge returns defaults overlaid with overrides, field by field. A field set
// in overrides always wins; Extra maps merge key by key. Neither argument is
// modified.
func Merge(defaults, overrides Parameters) Parameters {
	out := defaults
	out.Stop = slices.Clone(defaults.Stop)
	out.Extra = maps.Clone(defaults.Extra)

	if overrides.Temperature != nil {
		out.Temperature = overrides.Temperature
	}
	if overrides.MaxNewTokens != nil {
		out.MaxNewTokens = overrides.MaxNewTokens
	}
	if overrides.TopP != nil {
		out.TopP = overrides.TopP
	}
	if overrides.TopK != nil {
		out.TopK = overrides.TopK
	}
	if overrides.MinP != nil {
		out.MinP = overrides.MinP
	}
	if overrides.RepetitionPenalty != nil {
		out.RepetitionPenalty = overrides.RepetitionPenalty
	}
	if overrides.Truncate != nil {
		out.Truncate = overrides.Truncate
	}
	if overrides.Stop != nil {
		out.Stop = slices.Clone(overrides.Stop)
	}
	if overrides.PenalizeNewline != nil {
		out.PenalizeNewline = overrides.PenalizeNewline
	}
	if len(overrides.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(overrides.Extra))
		}
		maps.Copy(out.Extra, overrides.Extra)
	}
	return out
}

// knownParameterKeys are the JSON names of the named Parameters fields.
var knownParameterKeys = []string{
	"temperature", "max_new_tokens", "top_p", "top_k", "min_p",
	"repetition_penalty", "truncate", "stop", "penalize_newline",
}

// UnmarshalJSON decodes the named fields and keeps every other key in Extra.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	type plain Parameters
	var named plain
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownParameterKeys {
		delete(all, k)
	}
	*p = Parameters(named)
	if len(all) > 0 {
		p.Extra = all
	}
	return nil
}

// MarshalJSON encodes the named fields with the Extra keys inlined beside
// them. A named field wins over an Extra key of the same name.
func (p Parameters) MarshalJSON() ([]byte, error) {
	type plain Parameters
	named, err := json.Marshal(plain(p))
	if err != nil || len(p.Extra) == 0 {
		return named, err
	}
	out := maps.Clone(p.Extra)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(named, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// Float64 returns a pointer to v. Handy for building Parameters literals.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// EventType distinguishes incremental from terminal stream events.
type EventType string

const (
	// EventDelta carries an incremental piece of generated text.
	EventDelta EventType = "delta"

	// EventFinal is the last event of a successful stream.
	EventFinal EventType = "final"
)

// Event is one element of the unified streaming contract.
type Event struct {
	Type EventType `json:"type"`

	// Role is set on deltas when the provider reported it.
	Role string `json:"role,omitempty"`

	// Content is the text delta, or the full generated text on the final event.
	Content string `json:"content"`

	// FinishReason is set on the final event ("stop", "length", ...).
	FinishReason string `json:"finishReason,omitempty"`

	// TokenCount is the number of content deltas received. Final event only.
	TokenCount int `json:"tokenCount,omitempty"`
}
