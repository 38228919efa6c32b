package conversation

import (
	"maps"
	"slices"
	"time"
)

// SamplingParams are optional per-conversation completion settings.
type SamplingParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Reminder is a note the user attached to a message.
type Reminder struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Conversation is an ordered message list plus session metadata. Values handed
// out by the Store are snapshots; mutating them has no effect on the store.
type Conversation struct {
	ID              ID                     `json:"id"`
	Title           string                 `json:"title"`
	Messages        []Message              `json:"messages"`
	ModelID         string                 `json:"model"`
	PersonaID       string                 `json:"persona"`
	Sampling        SamplingParams         `json:"sampling"`
	PinnedMessageID MessageID              `json:"pinned_message_id,omitempty"`
	Reminders       map[MessageID]Reminder `json:"reminders,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// IndexOf returns the position of message id, or -1.
func (c Conversation) IndexOf(id MessageID) int {
	return slices.IndexFunc(c.Messages, func(m Message) bool { return m.ID == id })
}

// Message returns the message with the given id.
func (c Conversation) Message(id MessageID) (Message, bool) {
	i := c.IndexOf(id)
	if i < 0 {
		return Message{}, false
	}
	return c.Messages[i], true
}

// Streaming returns the in-flight message, if any.
func (c Conversation) Streaming() (Message, bool) {
	for _, m := range c.Messages {
		if m.IsStreaming {
			return m, true
		}
	}
	return Message{}, false
}

// LastIndexOfRole scans from the end for the most recent message with role.
func (c Conversation) LastIndexOfRole(role Role) int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return i
		}
	}
	return -1
}

// clone copies everything a caller could mutate through c, down to
// attachments and sampling pointers.
func (c Conversation) clone() Conversation {
	c.Messages = slices.Clone(c.Messages)
	for i := range c.Messages {
		c.Messages[i].Attachments = slices.Clone(c.Messages[i].Attachments)
	}
	c.Reminders = maps.Clone(c.Reminders)
	c.Sampling = c.Sampling.clone()
	return c
}

func (p SamplingParams) clone() SamplingParams {
	if p.Temperature != nil {
		p.Temperature = Ptr(*p.Temperature)
	}
	if p.MaxTokens != nil {
		p.MaxTokens = Ptr(*p.MaxTokens)
	}
	return p
}
