package conversation

import "slices"

// Patch is a partial update. Nil fields are left unchanged; a non-nil
// Messages slice, even an empty one, replaces the whole message list.
type Patch struct {
	Title           *string
	Messages        []Message
	ModelID         *string
	PersonaID       *string
	Sampling        *SamplingParams
	PinnedMessageID *MessageID
	Reminders       map[MessageID]Reminder
}

// Updater computes a patch from the current snapshot. It must be pure: the
// store may call it while holding its write lock. Returning an error aborts
// the update.
type Updater func(current Conversation) (Patch, error)

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// Set wraps a literal patch as an Updater.
func Set(p Patch) Updater {
	return func(Conversation) (Patch, error) { return p, nil }
}

// UpdateMessage rewrites one message in place within the list.
func UpdateMessage(id MessageID, fn func(Message) Message) Updater {
	return func(c Conversation) (Patch, error) {
		i := c.IndexOf(id)
		if i < 0 {
			return Patch{}, ErrMessageNotFound
		}
		msgs := slices.Clone(c.Messages)
		msgs[i] = fn(msgs[i])
		return Patch{Messages: msgs}, nil
	}
}

// AppendMessages adds messages to the end of the list.
func AppendMessages(msgs ...Message) Updater {
	return func(c Conversation) (Patch, error) {
		out := make([]Message, 0, len(c.Messages)+len(msgs))
		out = append(out, c.Messages...)
		out = append(out, msgs...)
		return Patch{Messages: out}, nil
	}
}

func (p Patch) applyTo(c Conversation) Conversation {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Messages != nil {
		c.Messages = slices.Clone(p.Messages)
	}
	if p.ModelID != nil {
		c.ModelID = *p.ModelID
	}
	if p.PersonaID != nil {
		c.PersonaID = *p.PersonaID
	}
	if p.Sampling != nil {
		c.Sampling = *p.Sampling
	}
	if p.PinnedMessageID != nil {
		c.PinnedMessageID = *p.PinnedMessageID
	}
	if p.Reminders != nil {
		c.Reminders = make(map[MessageID]Reminder, len(p.Reminders))
		for k, v := range p.Reminders {
			c.Reminders[k] = v
		}
	}
	return c
}
