// Package history implements the operations that rewrite a conversation's
// message list: branching, editing a user turn and regenerating the last
// answer.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/logger"
	"github.com/comigor/pichat/internal/session"
)

var (
	ErrNotUserMessage = errors.New("message is not a user message")
	ErrNoUserMessage  = errors.New("conversation has no user message")
)

// Store is the subset of conversation.Store the controller needs.
type Store interface {
	Get(id conversation.ID) (conversation.Conversation, error)
	Create(c conversation.Conversation) (conversation.Conversation, error)
	Apply(id conversation.ID, u conversation.Updater) (conversation.Conversation, error)
}

// TurnRunner owns the single in-flight session of each conversation.
type TurnRunner interface {
	// Restart aborts the conversation's in-flight session, if any, and waits
	// for it. It then applies u and streams a completion into the assistant
	// placeholder msg, which u must leave as the last message. No other turn
	// of the conversation can start in between.
	Restart(ctx context.Context, id conversation.ID, u conversation.Updater, msg conversation.MessageID) (*session.Session, error)
}

// Controller composes store updates with new turns.
type Controller struct {
	store  Store
	runner TurnRunner
}

// NewController returns a Controller writing to store and starting turns via
// runner.
func NewController(store Store, runner TurnRunner) *Controller {
	return &Controller{store: store, runner: runner}
}

// Branch copies conversation id up to and including message msg into a new
// conversation. The source is left untouched.
func (c *Controller) Branch(id conversation.ID, msg conversation.MessageID) (conversation.Conversation, error) {
	src, err := c.store.Get(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	i := src.IndexOf(msg)
	if i < 0 {
		return conversation.Conversation{}, fmt.Errorf("branch from %s: %w", msg, conversation.ErrMessageNotFound)
	}

	prefix := make([]conversation.Message, i+1)
	copy(prefix, src.Messages[:i+1])
	for j := range prefix {
		prefix[j].IsStreaming = false
		prefix[j].IsReasoningActive = false
	}

	fork := conversation.Conversation{
		Title:     src.Title + " (branch)",
		Messages:  prefix,
		ModelID:   src.ModelID,
		PersonaID: src.PersonaID,
		Sampling:  src.Sampling,
	}
	if fork.IndexOf(src.PinnedMessageID) >= 0 {
		fork.PinnedMessageID = src.PinnedMessageID
	}
	for mid, r := range src.Reminders {
		if fork.IndexOf(mid) < 0 {
			continue
		}
		if fork.Reminders == nil {
			fork.Reminders = make(map[conversation.MessageID]conversation.Reminder)
		}
		fork.Reminders[mid] = r
	}

	out, err := c.store.Create(fork)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("create branch: %w", err)
	}
	logger.L.Info("conversation branched", "source", id, "branch", out.ID, "messages", len(prefix))
	return out, nil
}

// EditAndResubmit drops user message msg and everything after it, appends a
// new user message carrying text and starts a turn answering it. Dropped
// messages are not kept anywhere.
func (c *Controller) EditAndResubmit(ctx context.Context, id conversation.ID, msg conversation.MessageID, text string) (*session.Session, error) {
	text = strings.TrimSpace(text)
	placeholder := conversation.NewAssistantPlaceholder()
	s, err := c.runner.Restart(ctx, id, func(cur conversation.Conversation) (conversation.Patch, error) {
		i := cur.IndexOf(msg)
		if i < 0 {
			return conversation.Patch{}, conversation.ErrMessageNotFound
		}
		orig := cur.Messages[i]
		if orig.Role != conversation.RoleUser {
			return conversation.Patch{}, ErrNotUserMessage
		}
		if text == "" && len(orig.Attachments) == 0 {
			return conversation.Patch{}, conversation.ErrEmptyMessage
		}

		edited := conversation.NewUserMessage(text, orig.Attachments...)
		msgs := make([]conversation.Message, 0, i+2)
		msgs = append(msgs, cur.Messages[:i]...)
		msgs = append(msgs, edited, placeholder)
		return conversation.Patch{Messages: msgs}, nil
	}, placeholder.ID)
	if err != nil {
		return nil, fmt.Errorf("edit message %s: %w", msg, err)
	}

	logger.L.Info("message edited", "conversation", id, "message", msg)
	return s, nil
}

// Regenerate drops everything after the most recent user message and starts
// a new turn answering it.
func (c *Controller) Regenerate(ctx context.Context, id conversation.ID) (*session.Session, error) {
	placeholder := conversation.NewAssistantPlaceholder()
	s, err := c.runner.Restart(ctx, id, func(cur conversation.Conversation) (conversation.Patch, error) {
		i := cur.LastIndexOfRole(conversation.RoleUser)
		if i < 0 {
			return conversation.Patch{}, ErrNoUserMessage
		}
		msgs := make([]conversation.Message, 0, i+2)
		msgs = append(msgs, cur.Messages[:i+1]...)
		msgs = append(msgs, placeholder)
		return conversation.Patch{Messages: msgs}, nil
	}, placeholder.ID)
	if err != nil {
		return nil, fmt.Errorf("regenerate: %w", err)
	}

	logger.L.Info("regenerating answer", "conversation", id)
	return s, nil
}
