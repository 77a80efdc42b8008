// Package chatstream defines the chat event stream: the event vocabulary, an SSE
// writer for the server side and a reader plus consumer for clients.
package chatstream

// EventType discriminates chat stream events.
type EventType string

const (
	// EventChunk carries a fragment of the character's reply.
	EventChunk EventType = "chunk"
	// EventVisualPending announces that a scene image has been requested.
	EventVisualPending EventType = "visual_pending"
	// EventInstructionCard shows the episode's instructions to the player.
	EventInstructionCard EventType = "instruction_card"
	// EventNeedsSparks means the user cannot afford another turn.
	EventNeedsSparks EventType = "needs_sparks"
	// EventEpisodeComplete means the turn budget is spent and the session is closed.
	EventEpisodeComplete EventType = "episode_complete"
	// EventDone ends a turn and carries the stored reply.
	EventDone EventType = "done"
	// EventError reports a failure after the stream started.
	EventError EventType = "error"
)

// InstructionCard is shown once at the start of an episode.
type InstructionCard struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Event is one frame of the chat stream. Only the fields relevant to Type are set.
type Event struct {
	Card          *InstructionCard `json:"card,omitempty"`
	Type          EventType        `json:"type"`
	Content       string           `json:"content,omitempty"`
	MessageID     string           `json:"message_id,omitempty"`
	SceneID       string           `json:"scene_id,omitempty"`
	Prompt        string           `json:"prompt,omitempty"`
	SessionID     string           `json:"session_id,omitempty"`
	NextEpisodeID string           `json:"next_episode_id,omitempty"`
	Error         string           `json:"error,omitempty"`
	Balance       int              `json:"balance,omitempty"`
	Cost          int              `json:"cost,omitempty"`
	TurnCount     int              `json:"turn_count,omitempty"`
}

// Chunk builds a chunk event.
func Chunk(text string) Event { return Event{Type: EventChunk, Content: text} }

// Done builds the terminal event of a turn.
func Done(messageID, content string) Event {
	return Event{Type: EventDone, MessageID: messageID, Content: content}
}
