// Package types holds small value types shared between the provider
// interfaces and the Auricle server internals. Keeping them here avoids
// import cycles between pkg/provider subpackages.
package types

// Transcript is a single recognition result emitted by an STT session.
type Transcript struct {
	// Text is the recognised text. May be empty for keep-alive partials.
	Text string

	// Final reports whether the provider has committed to this result.
	// Non-final transcripts are low-latency guesses and may be revised.
	Final bool

	// Confidence is the provider's confidence score in [0.0, 1.0], or 0 if
	// the provider does not report one.
	Confidence float64
}

// VoiceProfile identifies a synthesis voice on a TTS provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label for logs and configuration.
	Name string

	// Language is the BCP-47 language tag the voice speaks, if known.
	Language string
}

// Message is one entry of a conversation history passed to an LLM.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string

	// Content is the textual body of the message.
	Content string

	// ToolCalls carries the calls the assistant requested, when Role is
	// "assistant" and the model invoked tools.
	ToolCalls []ToolCall

	// ToolCallID links a Role "tool" message to the call it answers.
	ToolCallID string
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned correlation id for this call.
	ID string

	// Name is the tool name as offered in the request's tool definitions.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	// Name is the function name the model uses to invoke the tool.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any
}
