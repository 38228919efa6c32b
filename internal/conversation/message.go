package conversation

import (
	"time"

	"github.com/google/uuid"
)

// ID identifies a conversation.
type ID string

// MessageID identifies a message within the store.
type MessageID string

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment references a file sent along with a user message.
type Attachment struct {
	Path       string `json:"path"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Message represents a single conversational message.
//
// VisibleText and ReasoningText only grow while IsStreaming is true.
// IsStreaming=false is terminal.
type Message struct {
	ID                MessageID    `json:"id"`
	Role              Role         `json:"role"`
	VisibleText       string       `json:"content"`
	ReasoningText     string       `json:"reasoning,omitempty"`
	IsStreaming       bool         `json:"is_streaming,omitempty"`
	IsReasoningActive bool         `json:"is_reasoning_active,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// NewID returns a fresh conversation id.
func NewID() ID { return ID(uuid.NewString()) }

// NewMessageID returns a fresh message id.
func NewMessageID() MessageID { return MessageID(uuid.NewString()) }

// NewUserMessage builds a user message with a fresh id.
func NewUserMessage(text string, attachments ...Attachment) Message {
	return Message{
		ID:          NewMessageID(),
		Role:        RoleUser,
		VisibleText: text,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
}

// NewAssistantPlaceholder builds the empty, streaming assistant message a
// turn writes into.
func NewAssistantPlaceholder() Message {
	return Message{
		ID:          NewMessageID(),
		Role:        RoleAssistant,
		IsStreaming: true,
		CreatedAt:   time.Now(),
	}
}
