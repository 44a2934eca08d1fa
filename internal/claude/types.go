// Package claude runs the Claude CLI as a stage capability.
//
// The CLI is spawned with --output-format stream-json; each stdout line is one
// [StreamEvent]. [Agent] renders a per-stage prompt from the attempt's input,
// collects the assistant text and turns the JSON object it contains into an
// artifact.
//
// Key types:
//   - [Executor]: runs one prompt and streams [Event] values to a handler
//   - [Agent]: the [capability.Capability] built on an Executor
//   - [Event]: parsed stream event with convenience accessors
//
// For testing, use [MockExecutor] which replays canned events without spawning
// a process.
package claude

// StreamEvent represents a raw JSON event from Claude's streaming output.
//
// This is the low-level structure that maps directly to one line of the
// stream-json format. Most code should work with [Event] instead, which provides
// parsed fields and convenience methods. StreamEvent is available via [Event.Raw]
// when the original structure is needed.
type StreamEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message *MessageContent `json:"message,omitempty"`

	// Result and IsError are set on the final result event.
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// MessageContent represents the content of a message in Claude's streaming output.
//
// A message may contain multiple [ContentBlock] items, typically text output
// and/or tool invocations. It appears in assistant-type events within
// [StreamEvent.Message].
type MessageContent struct {
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock represents a single block of content within a [MessageContent].
//
// The Type field indicates the kind of content:
//   - "text": Contains text output in the Text field
//   - "tool_use": Contains a tool invocation named by the Name field
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// EventType identifies the category of a stream event, taken from the "type"
// field of [StreamEvent].
type EventType string

const (
	EventTypeSystem    EventType = "system"
	EventTypeAssistant EventType = "assistant"
	EventTypeUser      EventType = "user"
	EventTypeResult    EventType = "result"
)

// SubtypeInit marks the system event that opens a session.
const SubtypeInit = "init"

// Event is a parsed stream event with convenience fields.
//
// Events are created from a [StreamEvent] by [NewEventFromStream]. The boolean
// fields summarize the session lifecycle:
//   - SessionStarted: a system "init" event opened the session
//   - SessionComplete: the final result event arrived
//   - Failed: the result event reported an error
//
// [Agent] concatenates Text across events and falls back to Result when no
// assistant text was streamed.
type Event struct {
	Raw     *StreamEvent
	Type    EventType
	Subtype string

	// Text is the concatenated text blocks of an assistant event.
	Text string

	// ToolName is set when an assistant event invokes a tool.
	ToolName string

	// Result is the final answer carried by a result event.
	Result string

	SessionStarted  bool
	SessionComplete bool
	Failed          bool
}

// NewEventFromStream converts a raw [StreamEvent] into an [Event].
//
// Text blocks of an assistant message are concatenated into Event.Text; the
// last tool_use block names Event.ToolName. Unknown event types keep only Type,
// Subtype and Raw.
func NewEventFromStream(raw *StreamEvent) Event {
	e := Event{
		Raw:     raw,
		Type:    EventType(raw.Type),
		Subtype: raw.Subtype,
	}

	switch e.Type {
	case EventTypeSystem:
		e.SessionStarted = raw.Subtype == SubtypeInit
	case EventTypeAssistant:
		if raw.Message == nil {
			break
		}
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "text":
				e.Text += block.Text
			case "tool_use":
				e.ToolName = block.Name
			}
		}
	case EventTypeResult:
		e.SessionComplete = true
		e.Result = raw.Result
		e.Failed = raw.IsError
	}
	return e
}

// IsText reports whether the event carries assistant text.
func (e Event) IsText() bool {
	return e.Type == EventTypeAssistant && e.Text != ""
}

// IsToolUse reports whether the event is a tool invocation.
func (e Event) IsToolUse() bool {
	return e.Type == EventTypeAssistant && e.ToolName != ""
}
