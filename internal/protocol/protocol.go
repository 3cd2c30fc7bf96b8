// Package protocol defines the wire types shared by the turn engine, the
// websocket transport and the journal bus subjects.
package protocol

import "time"

// Command types accepted on the persistent client channel.
const (
	CommandChat   = "chat"
	CommandCancel = "cancel"
)

// Command is a client-initiated message on the websocket channel.
type Command struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
	Text           string   `json:"text,omitempty"`
	AttachmentIDs  []string `json:"attachment_ids,omitempty"`
}

// Event kinds pushed to the client. Every event carries the turn's
// monotonically increasing sequence number; the client applies events in
// strictly increasing order and treats gaps or duplicates as protocol
// violations to log, not fatal errors.
const (
	// EventHello is sent once after connect and carries the connection id
	// uploads must reference.
	EventHello = "hello"

	EventTextDelta        = "text_delta"
	EventSentenceBoundary = "sentence_boundary"
	EventAudioChunk       = "audio_chunk"
	EventAudioSkip        = "audio_skip"
	EventState            = "state"
	EventError            = "error"
	EventContextWarning   = "context_warning"
)

// Event is one server-initiated message on the persistent channel.
type Event struct {
	Seq            uint64 `json:"seq"`
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// sentence_boundary, audio_chunk, audio_skip
	Index *int `json:"index,omitempty"`

	// audio_chunk
	PCM        []byte `json:"pcm,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// state
	State string `json:"state,omitempty"`

	// error, context_warning
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Bus subjects for turn lifecycle events consumed by the journal. These are
// a side channel: losing one never affects an active turn.
const (
	SubjectTurnStarted  = "vox.turn.started"
	SubjectTurnState    = "vox.turn.state"
	SubjectTurnFinished = "vox.turn.finished"
	SubjectTurnWildcard = "vox.turn.>"
)

// TurnStarted announces a new turn on the bus.
type TurnStarted struct {
	TurnID         string    `json:"turn_id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Model          string    `json:"model"`
	Timestamp      time.Time `json:"timestamp"`
}

// TurnState announces a state transition on the bus.
type TurnState struct {
	TurnID         string    `json:"turn_id"`
	ConversationID string    `json:"conversation_id"`
	State          string    `json:"state"`
	Timestamp      time.Time `json:"timestamp"`
}

// TurnFinished carries the terminal outcome and accounting for one turn.
type TurnFinished struct {
	TurnID           string        `json:"turn_id"`
	ConversationID   string        `json:"conversation_id"`
	State            string        `json:"state"`
	Sentences        int           `json:"sentences"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"duration_ns"`
	Timestamp        time.Time     `json:"timestamp"`
}
