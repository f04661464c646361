// Package chat implements the streaming conversation core: the prompt
// window builder, the wire protocol framer, the conversation controller and
// the client-side stream consumer.
package chat

import (
	"chatstream/pkg/models"
)

// Protocol event discriminators. Every framed event is a JSON object with a
// "type" field holding one of these values.
const (
	EventUserMessage       = "user_message"
	EventAIMessageStart    = "ai_message_start"
	EventAIMessageChunk    = "ai_message_chunk"
	EventAIMessageComplete = "ai_message_complete"
)

// DoneToken is the literal terminator line payload. No data follows it.
const DoneToken = "[DONE]"

// Event is one frame of the chat wire protocol. Exactly which fields are
// populated depends on Type:
//
//	user_message        Message (persisted user message)
//	ai_message_start    ID, TS
//	ai_message_chunk    ID, Content (fragment), FullContent (cumulative)
//	ai_message_complete Message (persisted assistant message), Thread
//
// Chunks carry both the fragment and the running total so a consumer that
// drops an update can resynchronize from FullContent instead of manually
// concatenating fragments.
type Event struct {
	Type        string                `json:"type"`
	ID          string                `json:"id,omitempty"`
	TS          int64                 `json:"ts,omitempty"`
	Content     string                `json:"content,omitempty"`
	FullContent string                `json:"fullContent,omitempty"`
	Message     *models.Message       `json:"message,omitempty"`
	Thread      *models.ThreadSummary `json:"thread,omitempty"`
}
