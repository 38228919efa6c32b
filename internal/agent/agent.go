package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/comigor/pichat/internal/config"
	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/history"
	"github.com/comigor/pichat/internal/llm"
	"github.com/comigor/pichat/internal/logger"
	"github.com/comigor/pichat/internal/memory"
	"github.com/comigor/pichat/internal/persona"
	"github.com/comigor/pichat/internal/session"
	"github.com/comigor/pichat/internal/stream"
)

var (
	// ErrEmptyInput is returned when there is nothing to send.
	ErrEmptyInput = conversation.ErrEmptyMessage
	// ErrTurnInProgress is returned by Configure while an answer is streaming.
	ErrTurnInProgress = errors.New("a turn is in progress")
	ErrUnknownPersona = errors.New("unknown persona")
)

const (
	defaultTitle = "New Chat"
	titleLimit   = 30
	titleKeep    = 27
)

// Agent runs chat turns. It keeps at most one live session per conversation.
type Agent struct {
	store     *conversation.Store
	transport llm.Transport
	memory    *memory.Store
	personas  *persona.Registry
	cfg       config.ChatConfig
	history   *history.Controller

	// turnMu is held across Stop, the placeholder append and the session
	// start of every turn, and across deletes and configuration changes.
	turnMu sync.Mutex

	mu     sync.Mutex
	active map[conversation.ID]*session.Session
}

// New creates a new agent.
func New(store *conversation.Store, transport llm.Transport, mem *memory.Store, personas *persona.Registry, cfg config.ChatConfig) *Agent {
	a := &Agent{
		store:     store,
		transport: transport,
		memory:    mem,
		personas:  personas,
		cfg:       cfg,
		active:    make(map[conversation.ID]*session.Session),
	}
	a.history = history.NewController(store, a)
	return a
}

// History exposes branch, edit and regenerate.
func (a *Agent) History() *history.Controller { return a.history }

// Personas returns the registry conversations resolve their persona from.
func (a *Agent) Personas() *persona.Registry { return a.personas }

// Memory returns the long-term memory injected into every system prompt.
func (a *Agent) Memory() *memory.Store { return a.memory }

// NewConversation creates an empty conversation using the configured model and
// sampling defaults. An empty personaID selects the configured default.
func (a *Agent) NewConversation(personaID string) (conversation.Conversation, error) {
	if personaID == "" {
		personaID = a.cfg.DefaultPersona
	}
	p := a.personas.Resolve(personaID)

	c := conversation.Conversation{
		Title:     defaultTitle,
		Messages:  []conversation.Message{},
		ModelID:   a.cfg.DefaultModel,
		PersonaID: p.ID,
		Sampling:  conversation.SamplingParams{Temperature: conversation.Ptr(a.cfg.Temperature)},
	}
	if a.cfg.MaxTokens > 0 {
		c.Sampling.MaxTokens = conversation.Ptr(a.cfg.MaxTokens)
	}
	out, err := a.store.Create(c)
	if err != nil {
		return conversation.Conversation{}, err
	}
	logger.L.Info("conversation created", "id", out.ID, "persona", out.PersonaID, "model", out.ModelID)
	return out, nil
}

// Send appends a user message and starts the assistant's answer. Any turn
// still streaming in the conversation is aborted first. The first user
// message of a conversation also names it.
func (a *Agent) Send(ctx context.Context, id conversation.ID, text string, attachments ...conversation.Attachment) (*session.Session, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil, ErrEmptyInput
	}

	user := conversation.NewUserMessage(text, attachments...)
	placeholder := conversation.NewAssistantPlaceholder()
	s, err := a.Restart(ctx, id, func(cur conversation.Conversation) (conversation.Patch, error) {
		p, err := conversation.AppendMessages(user, placeholder)(cur)
		if err != nil {
			return conversation.Patch{}, err
		}
		if cur.LastIndexOfRole(conversation.RoleUser) < 0 && text != "" {
			p.Title = conversation.Ptr(deriveTitle(text))
		}
		return p, nil
	}, placeholder.ID)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return s, nil
}

// Restart aborts the conversation's live session and waits for it, applies u
// and starts a session filling assistant placeholder msg. No other turn of
// the agent starts in between.
func (a *Agent) Restart(ctx context.Context, id conversation.ID, u conversation.Updater, msg conversation.MessageID) (*session.Session, error) {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	a.Stop(id)
	if _, err := a.store.Apply(id, u); err != nil {
		return nil, err
	}
	return a.start(ctx, id, msg)
}

// start runs a session filling assistant placeholder msg, which must be the
// last message of the conversation and still streaming. The session runs in
// the background under ctx. Callers hold turnMu.
func (a *Agent) start(ctx context.Context, id conversation.ID, msg conversation.MessageID) (*session.Session, error) {
	conv, err := a.store.Get(id)
	if err != nil {
		return nil, err
	}
	i := conv.IndexOf(msg)
	if i < 0 {
		return nil, fmt.Errorf("start turn: %w", conversation.ErrMessageNotFound)
	}
	if target := conv.Messages[i]; i != len(conv.Messages)-1 || target.Role != conversation.RoleAssistant || !target.IsStreaming {
		return nil, fmt.Errorf("start turn: message %s is not a streaming assistant placeholder", msg)
	}

	s := session.New(a.store, a.transport, id, msg, a.buildRequest(conv, i),
		session.WithSink(a.memory),
		session.WithDelimiters(stream.Delimiters{Open: a.cfg.ReasoningOpen, Close: a.cfg.ReasoningClose}),
	)

	a.mu.Lock()
	a.active[id] = s
	a.mu.Unlock()

	logger.FromContext(ctx).Info("turn started", "conversation", id, "session", s.ID(), "model", conv.ModelID)
	go func() {
		s.Run(ctx)
		a.mu.Lock()
		if a.active[id] == s {
			delete(a.active, id)
		}
		a.mu.Unlock()
	}()
	return s, nil
}

// Stop aborts the conversation's live session, if any, and waits for it.
func (a *Agent) Stop(id conversation.ID) {
	a.mu.Lock()
	s := a.active[id]
	a.mu.Unlock()
	if s == nil {
		return
	}
	s.Cancel()
	res := s.Wait()
	logger.L.Debug("turn stopped", "conversation", id, "session", s.ID(), "state", res.State)
}

// Active returns the conversation's live session.
func (a *Agent) Active(id conversation.ID) (*session.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.active[id]
	return s, ok
}

// Shutdown aborts every live session and waits for them.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	ids := make([]conversation.ID, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.Stop(id)
	}
}

// DeleteConversation stops any live turn and removes the conversation.
func (a *Agent) DeleteConversation(id conversation.ID) error {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	a.Stop(id)
	if err := a.store.Delete(id); err != nil {
		return err
	}
	logger.L.Info("conversation deleted", "id", id)
	return nil
}

// Settings changes a conversation's model, persona or sampling. Nil fields
// are left as they are; a MaxTokens of zero clears the limit.
type Settings struct {
	ModelID     *string
	PersonaID   *string
	Temperature *float32
	MaxTokens   *int
}

// Configure applies settings to conversation id. It is refused while an
// answer is streaming.
func (a *Agent) Configure(id conversation.ID, settings Settings) (conversation.Conversation, error) {
	if settings.PersonaID != nil {
		if _, ok := a.personas.Get(*settings.PersonaID); !ok {
			return conversation.Conversation{}, fmt.Errorf("%w: %s", ErrUnknownPersona, *settings.PersonaID)
		}
	}

	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	out, err := a.store.Apply(id, func(cur conversation.Conversation) (conversation.Patch, error) {
		if _, streaming := cur.Streaming(); streaming {
			return conversation.Patch{}, ErrTurnInProgress
		}
		p := conversation.Patch{ModelID: settings.ModelID, PersonaID: settings.PersonaID}
		if settings.Temperature != nil || settings.MaxTokens != nil {
			sampling := cur.Sampling
			if settings.Temperature != nil {
				sampling.Temperature = conversation.Ptr(*settings.Temperature)
			}
			if settings.MaxTokens != nil {
				sampling.MaxTokens = nil
				if *settings.MaxTokens > 0 {
					sampling.MaxTokens = conversation.Ptr(*settings.MaxTokens)
				}
			}
			p.Sampling = &sampling
		}
		return p, nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	logger.L.Info("conversation configured", "id", id, "model", out.ModelID, "persona", out.PersonaID)
	return out, nil
}

// Pin marks msg as the conversation's pinned message. An empty msg unpins.
func (a *Agent) Pin(id conversation.ID, msg conversation.MessageID) error {
	_, err := a.store.Apply(id, conversation.Set(conversation.Patch{PinnedMessageID: conversation.Ptr(msg)}))
	return err
}

// SetReminder attaches a reminder to msg. An empty text removes it.
func (a *Agent) SetReminder(id conversation.ID, msg conversation.MessageID, at time.Time, text string) error {
	_, err := a.store.Apply(id, func(cur conversation.Conversation) (conversation.Patch, error) {
		if cur.IndexOf(msg) < 0 {
			return conversation.Patch{}, conversation.ErrMessageNotFound
		}
		reminders := make(map[conversation.MessageID]conversation.Reminder, len(cur.Reminders)+1)
		for k, v := range cur.Reminders {
			reminders[k] = v
		}
		if text == "" {
			delete(reminders, msg)
		} else {
			reminders[msg] = conversation.Reminder{At: at, Text: text}
		}
		return conversation.Patch{Reminders: reminders}, nil
	})
	return err
}

// SystemPrompt is the memory block followed by the persona prompt.
func (a *Agent) SystemPrompt(personaID string) string {
	return a.memory.PromptBlock() + a.personas.Resolve(personaID).Prompt
}

// buildRequest sends every message before position upto, skipping answers that
// ended empty.
func (a *Agent) buildRequest(conv conversation.Conversation, upto int) llm.Request {
	msgs := make([]llm.Message, 0, upto)
	for _, m := range conv.Messages[:upto] {
		if m.Role == conversation.RoleAssistant && m.VisibleText == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.VisibleText})
	}

	req := llm.Request{
		Model:        conv.ModelID,
		SystemPrompt: a.SystemPrompt(conv.PersonaID),
		Messages:     msgs,
		Temperature:  conv.Sampling.Temperature,
		MaxTokens:    conv.Sampling.MaxTokens,
	}
	if req.Model == "" {
		req.Model = a.cfg.DefaultModel
	}
	if req.Temperature == nil {
		req.Temperature = conversation.Ptr(a.cfg.Temperature)
	}
	if req.MaxTokens == nil && a.cfg.MaxTokens > 0 {
		req.MaxTokens = conversation.Ptr(a.cfg.MaxTokens)
	}
	return req
}

// deriveTitle names a conversation after its first message.
func deriveTitle(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) > titleLimit {
		return string(r[:titleKeep]) + "..."
	}
	return text
}
