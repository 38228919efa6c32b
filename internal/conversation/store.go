package conversation

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("conversation not found")
	ErrExists            = errors.New("conversation already exists")
	ErrMessageNotFound   = errors.New("message not found")
	ErrDuplicateMessage  = errors.New("duplicate message id")
	ErrMultipleStreaming = errors.New("more than one streaming message")
	ErrStreamingRestart  = errors.New("finished message cannot stream again")
	ErrTextRegression    = errors.New("streaming text may only grow")
	ErrPinnedMissing     = errors.New("pinned message is not in the conversation")
	ErrEmptyMessage      = errors.New("empty message")
)

// EventKind tells subscribers what happened to a conversation.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
)

// Event is delivered to subscribers after a change is committed.
type Event struct {
	Kind         EventKind
	Conversation Conversation
}

// Store owns every conversation and message. All writes go through Create,
// Apply or Delete; each write replaces the stored snapshot as a whole, so a
// reader sees either all or none of one update.
type Store struct {
	// writeMu serializes writers in call order and spans notification.
	writeMu sync.Mutex

	mu    sync.RWMutex
	convs map[ID]Conversation

	subs    map[int]func(Event)
	nextSub int

	now func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		convs: make(map[ID]Conversation),
		subs:  make(map[int]func(Event)),
		now:   time.Now,
	}
}

// Create inserts a new conversation. A zero ID is replaced by a fresh one.
func (s *Store) Create(c Conversation) (Conversation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if c.ID == "" {
		c.ID = NewID()
	}
	s.mu.RLock()
	_, exists := s.convs[c.ID]
	s.mu.RUnlock()
	if exists {
		return Conversation{}, fmt.Errorf("%w: %s", ErrExists, c.ID)
	}

	c = c.clone()
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if err := validate(Conversation{}, c); err != nil {
		return Conversation{}, err
	}
	if c.PinnedMessageID != "" && c.IndexOf(c.PinnedMessageID) < 0 {
		return Conversation{}, ErrPinnedMissing
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	s.commit(c)
	s.notify(Event{Kind: EventCreated, Conversation: c.clone()})
	return c.clone(), nil
}

// Get returns a point-in-time snapshot.
func (s *Store) Get(id ID) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.clone(), nil
}

// List returns snapshots of every conversation, most recently updated first.
func (s *Store) List() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Apply runs u against the current snapshot of conversation id and commits
// the resulting patch. Calls are serialized in arrival order and none is
// dropped. An update that would break an invariant is rejected and the
// previous snapshot stays in place.
//
// Subscribers run before Apply returns; they must not call Apply themselves.
func (s *Store) Apply(id ID, u Updater) (Conversation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	p, err := u(cur.clone())
	if err != nil {
		return Conversation{}, err
	}
	if p.PinnedMessageID != nil && *p.PinnedMessageID != "" {
		candidate := cur
		if p.Messages != nil {
			candidate.Messages = p.Messages
		}
		if candidate.IndexOf(*p.PinnedMessageID) < 0 {
			return Conversation{}, ErrPinnedMissing
		}
	}

	next := p.applyTo(cur).clone()
	next.ID = cur.ID
	if err := validate(cur, next); err != nil {
		return Conversation{}, err
	}
	dropDangling(&next)
	next.UpdatedAt = s.now()

	s.commit(next)
	s.notify(Event{Kind: EventUpdated, Conversation: next.clone()})
	return next.clone(), nil
}

// Delete removes a conversation.
func (s *Store) Delete(id ID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	c, ok := s.convs[id]
	delete(s.convs, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.notify(Event{Kind: EventDeleted, Conversation: c.clone()})
	return nil
}

// Subscribe registers fn to run after every committed change, in commit
// order. The returned function unregisters it.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) commit(c Conversation) {
	s.mu.Lock()
	s.convs[c.ID] = c
	s.mu.Unlock()
}

func (s *Store) notify(ev Event) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// validate checks the invariants that must hold between two consecutive
// snapshots of one conversation.
func validate(prev, next Conversation) error {
	before := make(map[MessageID]Message, len(prev.Messages))
	for _, m := range prev.Messages {
		before[m.ID] = m
	}

	seen := make(map[MessageID]struct{}, len(next.Messages))
	streaming := 0
	for _, m := range next.Messages {
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.ID)
		}
		seen[m.ID] = struct{}{}

		if m.IsStreaming {
			streaming++
		}
		p, ok := before[m.ID]
		if !ok {
			continue
		}
		if !p.IsStreaming && m.IsStreaming {
			return fmt.Errorf("%w: %s", ErrStreamingRestart, m.ID)
		}
		if p.IsStreaming && m.IsStreaming &&
			(!strings.HasPrefix(m.VisibleText, p.VisibleText) || !strings.HasPrefix(m.ReasoningText, p.ReasoningText)) {
			return fmt.Errorf("%w: %s", ErrTextRegression, m.ID)
		}
	}
	if streaming > 1 {
		return ErrMultipleStreaming
	}
	return nil
}

// dropDangling clears a pin and reminders whose message was removed.
func dropDangling(c *Conversation) {
	if c.PinnedMessageID != "" && c.IndexOf(c.PinnedMessageID) < 0 {
		c.PinnedMessageID = ""
	}
	for id := range c.Reminders {
		if c.IndexOf(id) < 0 {
			delete(c.Reminders, id)
		}
	}
}
