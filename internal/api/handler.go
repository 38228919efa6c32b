// Package api exposes conversations, turns and memory over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/comigor/pichat/internal/agent"
	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/history"
	"github.com/comigor/pichat/internal/logger"
	"github.com/comigor/pichat/internal/session"
)

// Handler serves the HTTP API.
type Handler struct {
	agent *agent.Agent
	store *conversation.Store
}

// NewHandler creates a new API handler.
func NewHandler(a *agent.Agent, store *conversation.Store) *Handler {
	return &Handler{agent: a, store: store}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	// Conversations
	e.POST("/v1/conversations", h.CreateConversation)
	e.GET("/v1/conversations", h.ListConversations)
	e.GET("/v1/conversations/:id", h.GetConversation)
	e.DELETE("/v1/conversations/:id", h.DeleteConversation)
	e.PATCH("/v1/conversations/:id", h.ConfigureConversation)
	e.PUT("/v1/conversations/:id/pin", h.PinMessage)
	e.PUT("/v1/conversations/:id/messages/:message_id/reminder", h.SetReminder)

	// Turns
	e.POST("/v1/conversations/:id/messages", h.SendMessage)
	e.PUT("/v1/conversations/:id/messages/:message_id", h.EditMessage)
	e.POST("/v1/conversations/:id/regenerate", h.Regenerate)
	e.POST("/v1/conversations/:id/stop", h.Stop)
	e.POST("/v1/conversations/:id/branch", h.Branch)

	// Memory and personas
	e.GET("/v1/memory", h.ListMemory)
	e.PUT("/v1/memory/:key", h.SetMemory)
	e.DELETE("/v1/memory/:key", h.ForgetMemory)
	e.GET("/v1/personas", h.ListPersonas)
}

// Health returns health status.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CreateConversationRequest is the body of POST /v1/conversations.
type CreateConversationRequest struct {
	PersonaID string `json:"persona,omitempty"`
}

// CreateConversation starts an empty conversation.
// POST /v1/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	var req CreateConversationRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}
	conv, err := h.agent.NewConversation(req.PersonaID)
	if err != nil {
		return h.fail(c, "create conversation", err)
	}
	return c.JSON(http.StatusCreated, conv)
}

// ListConversations lists conversations, most recent first.
// GET /v1/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"conversations": h.store.List()})
}

// GetConversation returns one conversation.
// GET /v1/conversations/:id
func (h *Handler) GetConversation(c echo.Context) error {
	conv, err := h.store.Get(conversation.ID(c.Param("id")))
	if err != nil {
		return h.fail(c, "get conversation", err)
	}
	return c.JSON(http.StatusOK, conv)
}

// DeleteConversation stops any live turn and removes the conversation.
// DELETE /v1/conversations/:id
func (h *Handler) DeleteConversation(c echo.Context) error {
	if err := h.agent.DeleteConversation(conversation.ID(c.Param("id"))); err != nil {
		return h.fail(c, "delete conversation", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ConfigureRequest is the body of PATCH /v1/conversations/:id. Omitted fields
// are left unchanged; a max_tokens of 0 clears the limit.
type ConfigureRequest struct {
	Model       *string  `json:"model,omitempty"`
	Persona     *string  `json:"persona,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// ConfigureConversation changes the model, persona or sampling of a
// conversation that is not streaming.
// PATCH /v1/conversations/:id
func (h *Handler) ConfigureConversation(c echo.Context) error {
	var req ConfigureRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	conv, err := h.agent.Configure(conversation.ID(c.Param("id")), agent.Settings{
		ModelID:     req.Model,
		PersonaID:   req.Persona,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return h.fail(c, "configure conversation", err)
	}
	return c.JSON(http.StatusOK, conv)
}

// ReminderRequest is the body of PUT .../messages/:message_id/reminder. An
// empty text removes the reminder.
type ReminderRequest struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// SetReminder attaches a reminder to a message.
// PUT /v1/conversations/:id/messages/:message_id/reminder
func (h *Handler) SetReminder(c echo.Context) error {
	var req ReminderRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Text != "" && req.At.IsZero() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "at is required"})
	}
	id := conversation.ID(c.Param("id"))
	if err := h.agent.SetReminder(id, conversation.MessageID(c.Param("message_id")), req.At, req.Text); err != nil {
		return h.fail(c, "set reminder", err)
	}
	return h.GetConversation(c)
}

// PinRequest is the body of PUT /v1/conversations/:id/pin. An empty
// message id unpins.
type PinRequest struct {
	MessageID string `json:"message_id"`
}

// PinMessage pins a message.
// PUT /v1/conversations/:id/pin
func (h *Handler) PinMessage(c echo.Context) error {
	var req PinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	id := conversation.ID(c.Param("id"))
	if err := h.agent.Pin(id, conversation.MessageID(req.MessageID)); err != nil {
		return h.fail(c, "pin message", err)
	}
	return h.GetConversation(c)
}

// SendMessageRequest is the body of POST /v1/conversations/:id/messages.
type SendMessageRequest struct {
	Text        string                    `json:"text"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
	Stream      bool                      `json:"stream,omitempty"`
}

// TurnResponse reports how a turn ended.
type TurnResponse struct {
	State        session.State             `json:"state"`
	Error        string                    `json:"error,omitempty"`
	Conversation conversation.Conversation `json:"conversation"`
}

// SendMessage appends a user message and runs the answer. The response is
// sent once the answer ends, or as server-sent events when stream is set.
// POST /v1/conversations/:id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	id := conversation.ID(c.Param("id"))
	return h.turn(c, id, req.Stream || wantsEvents(c), func(ctx context.Context) (*session.Session, error) {
		return h.agent.Send(ctx, id, req.Text, req.Attachments...)
	})
}

// EditMessageRequest is the body of PUT /v1/conversations/:id/messages/:message_id.
type EditMessageRequest struct {
	Text   string `json:"text"`
	Stream bool   `json:"stream,omitempty"`
}

// EditMessage replaces a user message, drops what followed it and asks again.
// PUT /v1/conversations/:id/messages/:message_id
func (h *Handler) EditMessage(c echo.Context) error {
	var req EditMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	id := conversation.ID(c.Param("id"))
	msg := conversation.MessageID(c.Param("message_id"))
	return h.turn(c, id, req.Stream || wantsEvents(c), func(ctx context.Context) (*session.Session, error) {
		return h.agent.History().EditAndResubmit(ctx, id, msg, req.Text)
	})
}

// Regenerate discards the last answer and asks again.
// POST /v1/conversations/:id/regenerate
func (h *Handler) Regenerate(c echo.Context) error {
	id := conversation.ID(c.Param("id"))
	return h.turn(c, id, wantsEvents(c), func(ctx context.Context) (*session.Session, error) {
		return h.agent.History().Regenerate(ctx, id)
	})
}

// StopResponse reports whether a live turn was aborted.
type StopResponse struct {
	Stopped      bool                      `json:"stopped"`
	Conversation conversation.Conversation `json:"conversation"`
}

// Stop aborts the live turn, keeping the text received so far.
// POST /v1/conversations/:id/stop
func (h *Handler) Stop(c echo.Context) error {
	id := conversation.ID(c.Param("id"))
	if _, err := h.store.Get(id); err != nil {
		return h.fail(c, "stop turn", err)
	}
	_, live := h.agent.Active(id)
	h.agent.Stop(id)

	conv, err := h.store.Get(id)
	if err != nil {
		return h.fail(c, "stop turn", err)
	}
	return c.JSON(http.StatusOK, StopResponse{Stopped: live, Conversation: conv})
}

// BranchRequest is the body of POST /v1/conversations/:id/branch.
type BranchRequest struct {
	MessageID string `json:"message_id"`
}

// Branch copies a conversation up to a message into a new conversation.
// POST /v1/conversations/:id/branch
func (h *Handler) Branch(c echo.Context) error {
	var req BranchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.MessageID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message_id is required"})
	}
	conv, err := h.agent.History().Branch(conversation.ID(c.Param("id")), conversation.MessageID(req.MessageID))
	if err != nil {
		return h.fail(c, "branch conversation", err)
	}
	return c.JSON(http.StatusCreated, conv)
}

// ListMemory returns every remembered fact.
// GET /v1/memory
func (h *Handler) ListMemory(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"memory": h.agent.Memory().Snapshot()})
}

// SetMemoryRequest is the body of PUT /v1/memory/:key.
type SetMemoryRequest struct {
	Value string `json:"value"`
}

// SetMemory stores a fact under a normalised key.
// PUT /v1/memory/:key
func (h *Handler) SetMemory(c echo.Context) error {
	var req SetMemoryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	key := h.agent.Memory().Set(c.Param("key"), req.Value)
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "key is required"})
	}
	return c.JSON(http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// ForgetMemory removes a fact.
// DELETE /v1/memory/:key
func (h *Handler) ForgetMemory(c echo.Context) error {
	if !h.agent.Memory().Forget(c.Param("key")) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "memory not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

// ListPersonas lists built-in and configured personas.
// GET /v1/personas
func (h *Handler) ListPersonas(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"personas": h.agent.Personas().List()})
}

func (h *Handler) turn(c echo.Context, id conversation.ID, events bool, start func(context.Context) (*session.Session, error)) error {
	ctx := c.Request().Context()
	if !events {
		s, err := start(ctx)
		if err != nil {
			return h.fail(c, "start turn", err)
		}
		return h.finishTurn(c, id, s.Wait())
	}

	notify := make(chan struct{}, 1)
	unsubscribe := h.store.Subscribe(func(ev conversation.Event) {
		if ev.Conversation.ID != id {
			return
		}
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	s, err := start(ctx)
	if err != nil {
		return h.fail(c, "start turn", err)
	}
	return h.streamTurn(c, s, notify)
}

func (h *Handler) finishTurn(c echo.Context, id conversation.ID, res session.Result) error {
	conv, err := h.store.Get(id)
	if err != nil {
		return h.fail(c, "load conversation", err)
	}
	resp := TurnResponse{State: res.State, Conversation: conv}
	if res.Err != nil && res.State == session.StateFailed {
		resp.Error = res.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// turnEvent is one server-sent event of a streamed turn.
type turnEvent struct {
	Delta            string        `json:"delta,omitempty"`
	Replace          *string       `json:"replace,omitempty"`
	Reasoning        string        `json:"reasoning,omitempty"`
	ReplaceReasoning *string       `json:"replace_reasoning,omitempty"`
	State            session.State `json:"state,omitempty"`
	Error            string        `json:"error,omitempty"`
}

func (h *Handler) streamTurn(c echo.Context, s *session.Session, notify <-chan struct{}) error {
	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var sent, sentReasoning string
	emit := func() error {
		conv, err := h.store.Get(s.ConversationID())
		if err != nil {
			return err
		}
		m, ok := conv.Message(s.MessageID())
		if !ok {
			return conversation.ErrMessageNotFound
		}
		ev, changed := deltaEvent(sent, sentReasoning, m)
		sent, sentReasoning = m.VisibleText, m.ReasoningText
		if !changed {
			return nil
		}
		return writeEvent(w, "delta", ev)
	}

	for {
		select {
		case <-notify:
			if err := emit(); err != nil {
				logger.FromContext(c.Request().Context()).Warn("stream turn", "error", err)
				return nil
			}
		case <-s.Done():
			res := s.Wait()
			if err := emit(); err != nil {
				logger.FromContext(c.Request().Context()).Warn("stream turn", "error", err)
				return nil
			}
			ev := turnEvent{State: res.State}
			if res.Err != nil && res.State == session.StateFailed {
				ev.Error = res.Err.Error()
			}
			return writeEvent(w, "done", ev)
		}
	}
}

// deltaEvent describes how m differs from the visible and reasoning text a
// client already has. Text that no longer extends what was sent is replaced.
func deltaEvent(visible, reasoning string, m conversation.Message) (turnEvent, bool) {
	var ev turnEvent
	if rest, ok := strings.CutPrefix(m.VisibleText, visible); ok {
		ev.Delta = rest
	} else {
		ev.Replace = conversation.Ptr(m.VisibleText)
	}
	if rest, ok := strings.CutPrefix(m.ReasoningText, reasoning); ok {
		ev.Reasoning = rest
	} else {
		ev.ReplaceReasoning = conversation.Ptr(m.ReasoningText)
	}
	changed := ev.Delta != "" || ev.Replace != nil || ev.Reasoning != "" || ev.ReplaceReasoning != nil
	return ev, changed
}

func writeEvent(w *echo.Response, name string, ev turnEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func wantsEvents(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream")
}

func (h *Handler) fail(c echo.Context, op string, err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.FromContext(c.Request().Context()).Error(op, "error", err)
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, conversation.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrEmptyInput),
		errors.Is(err, history.ErrNotUserMessage),
		errors.Is(err, history.ErrNoUserMessage),
		errors.Is(err, conversation.ErrPinnedMissing),
		errors.Is(err, agent.ErrUnknownPersona):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// Server runs the API until ctx ends.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds an echo server with logging and panic recovery.
func NewServer(addr string, h *Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.L.Error("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.L.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	h.RegisterRoutes(e)
	return &Server{echo: e, addr: addr}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.L.Info("server stopped")
	return nil
}
