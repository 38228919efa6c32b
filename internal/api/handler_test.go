package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/comigor/pichat/internal/agent"
	"github.com/comigor/pichat/internal/config"
	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/llm"
	"github.com/comigor/pichat/internal/memory"
	"github.com/comigor/pichat/internal/persona"
	"github.com/comigor/pichat/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sliceStream yields frags, then err (io.EOF when nil).
type sliceStream struct {
	frags []string
	err   error
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.frags) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeTransport struct {
	frags     []string
	err       error
	streamErr error
}

func (f *fakeTransport) StreamCompletion(context.Context, llm.Request) (llm.FragmentStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sliceStream{frags: append([]string(nil), f.frags...), err: f.streamErr}, nil
}

type testEnv struct {
	e     *echo.Echo
	store *conversation.Store
	mem   *memory.Store
	agent *agent.Agent
}

func newTestEnv(t *testing.T, transport llm.Transport) *testEnv {
	t.Helper()
	store := conversation.NewStore()
	mem := memory.NewStore(nil)
	a := agent.New(store, transport, mem, persona.NewRegistry(), config.ChatConfig{
		DefaultModel:   "openai:gpt-4o-mini",
		DefaultPersona: persona.DefaultID,
		Temperature:    0.7,
		ReasoningOpen:  "<think>",
		ReasoningClose: "</think>",
	})
	t.Cleanup(a.Shutdown)

	e := echo.New()
	NewHandler(a, store).RegisterRoutes(e)
	return &testEnv{e: e, store: store, mem: mem, agent: a}
}

func (env *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) create(t *testing.T) conversation.Conversation {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/v1/conversations", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode[conversation.Conversation](t, rec)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{})
	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{})

	rec := env.do(t, http.MethodPost, "/v1/conversations", `{"persona":"bestie"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[conversation.Conversation](t, rec)
	require.Equal(t, "New Chat", conv.Title)
	require.Equal(t, "bestie", conv.PersonaID)

	rec = env.do(t, http.MethodGet, "/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}](t, rec)
	require.Len(t, list.Conversations, 1)

	rec = env.do(t, http.MethodGet, "/v1/conversations/"+string(conv.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/conversations/"+string(conv.ID), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/conversations/"+string(conv.ID), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{frags: []string{"<think>hmm</think>Hel", "lo! ", `[SAVE_MEMORY key="name" value="Ana"]`}})
	conv := env.create(t)

	rec := env.do(t, http.MethodPost, "/v1/conversations/"+string(conv.ID)+"/messages", `{"text":"hi there"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[TurnResponse](t, rec)
	require.Equal(t, session.StateCompleted, resp.State)
	require.Empty(t, resp.Error)
	require.Equal(t, "hi there", resp.Conversation.Title)
	require.Len(t, resp.Conversation.Messages, 2)

	answer := resp.Conversation.Messages[1]
	require.Equal(t, "Hello! ", answer.VisibleText)
	require.Equal(t, "hmm", answer.ReasoningText)
	require.False(t, answer.IsStreaming)

	v, ok := env.mem.Get("name")
	require.True(t, ok)
	require.Equal(t, "Ana", v)
}

func TestSendMessage_Errors(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{frags: []string{"x"}})
	conv := env.create(t)

	rec := env.do(t, http.MethodPost, "/v1/conversations/"+string(conv.ID)+"/messages", `{"text":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/conversations/missing/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/conversations/"+string(conv.ID)+"/messages", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_TransportFailure(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{err: errors.New("dial tcp: refused")})
	conv := env.create(t)

	rec := env.do(t, http.MethodPost, "/v1/conversations/"+string(conv.ID)+"/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[TurnResponse](t, rec)
	require.Equal(t, session.StateFailed, resp.State)
	require.Contains(t, resp.Error, "refused")
	require.False(t, resp.Conversation.Messages[1].IsStreaming)
	require.NotEmpty(t, resp.Conversation.Messages[1].VisibleText)
}

// streamedTurn replays the server-sent events of rec the way a client would,
// returning the visible and reasoning text it ends up showing and the final event.
func streamedTurn(t *testing.T, rec *httptest.ResponseRecorder) (visible, reasoning string, done turnEvent) {
	t.Helper()
	for _, block := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n") {
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, block)
		var ev turnEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
		if ev.Replace != nil {
			visible = *ev.Replace
		}
		visible += ev.Delta
		if ev.ReplaceReasoning != nil {
			reasoning = *ev.ReplaceReasoning
		}
		reasoning += ev.Reasoning
		if lines[0] == "event: done" {
			return visible, reasoning, ev
		}
	}
	t.Fatal("no done event")
	return
}

func TestSendMessage_Stream(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{frags: []string{"<think>hm", "m</think>Hel", "lo"}})
	conv := env.create(t)

	rec := env.do(t, http.MethodPost, "/v1/conversations/"+string(conv.ID)+"/messages", `{"text":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	visible, reasoning, done := streamedTurn(t, rec)
	require.Equal(t, "Hello", visible)
	require.Equal(t, "hmm", reasoning)
	require.Equal(t, session.StateCompleted, done.State)
}

func TestSendMessage_StreamFailureClearsReasoning(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{
		frags:     []string{"<think>pondering</think>", "partial"},
		streamErr: errors.New("connection reset"),
	})
	conv := env.create(t)

	rec := env.do(t, http.MethodPost, "/v1/conversations/"+string(conv.ID)+"/messages", `{"text":"hi"}`,
		echo.HeaderAccept, "text/event-stream")
	require.Equal(t, http.StatusOK, rec.Code)

	visible, reasoning, done := streamedTurn(t, rec)
	require.Equal(t, session.StateFailed, done.State)
	require.Contains(t, done.Error, "connection reset")
	require.Equal(t, "Error: connection reset", visible)
	require.Empty(t, reasoning)
}

func TestDeltaEvent(t *testing.T) {
	tests := []struct {
		name               string
		visible, reasoning string
		msg                conversation.Message
		want               turnEvent
		changed            bool
	}{
		{
			name:      "appended text",
			visible:   "Hel",
			reasoning: "hm",
			msg:       conversation.Message{VisibleText: "Hello", ReasoningText: "hmm"},
			want:      turnEvent{Delta: "lo", Reasoning: "m"},
			changed:   true,
		},
		{
			name:      "unchanged",
			visible:   "Hello",
			reasoning: "hmm",
			msg:       conversation.Message{VisibleText: "Hello", ReasoningText: "hmm"},
		},
		{
			name:      "failure replaces text and clears reasoning",
			visible:   "partial",
			reasoning: "pondering",
			msg:       conversation.Message{VisibleText: "Error: boom"},
			want:      turnEvent{Replace: conversation.Ptr("Error: boom"), ReplaceReasoning: conversation.Ptr("")},
			changed:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := deltaEvent(tt.visible, tt.reasoning, tt.msg)
			require.Equal(t, tt.changed, changed)
			require.Equal(t, tt.want, got)
		})
	}

	ev, _ := deltaEvent("partial", "pondering", conversation.Message{VisibleText: "Error: boom"})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.JSONEq(t, `{"replace":"Error: boom","replace_reasoning":""}`, string(data))
}

func TestConfigureConversation(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{frags: []string{"ok"}})
	conv := env.create(t)
	path := "/v1/conversations/" + string(conv.ID)

	rec := env.do(t, http.MethodPatch, path, `{"model":"ollama:llama3","persona":"bestie","temperature":0.3,"max_tokens":256}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[conversation.Conversation](t, rec)
	require.Equal(t, "ollama:llama3", got.ModelID)
	require.Equal(t, "bestie", got.PersonaID)
	require.InDelta(t, 0.3, *got.Sampling.Temperature, 1e-6)
	require.Equal(t, 256, *got.Sampling.MaxTokens)

	rec = env.do(t, http.MethodPatch, path, `{"persona":"nobody"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/v1/conversations/missing", `{"model":"x"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetReminder(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{frags: []string{"answer"}})
	conv := env.create(t)
	base := "/v1/conversations/" + string(conv.ID)

	rec := env.do(t, http.MethodPost, base+"/messages", `{"text":"question"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	answer := decode[TurnResponse](t, rec).Conversation.Messages[1].ID
	path := base + "/messages/" + string(answer) + "/reminder"

	rec = env.do(t, http.MethodPut, path, `{"at":"2025-06-01T09:00:00Z","text":"re-read"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[conversation.Conversation](t, rec)
	require.Equal(t, "re-read", got.Reminders[answer].Text)
	require.Equal(t, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), got.Reminders[answer].At.UTC())

	rec = env.do(t, http.MethodPut, path, `{"text":"no time"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, base+"/messages/ghost/reminder", `{"at":"2025-06-01T09:00:00Z","text":"x"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, path, `{"text":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[conversation.Conversation](t, rec).Reminders)
}

func TestRegenerateAndEdit(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{frags: []string{"answer"}})
	conv := env.create(t)
	base := "/v1/conversations/" + string(conv.ID)

	rec := env.do(t, http.MethodPost, base+"/messages", `{"text":"question"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[TurnResponse](t, rec).Conversation

	rec = env.do(t, http.MethodPost, base+"/regenerate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	regen := decode[TurnResponse](t, rec)
	require.Equal(t, session.StateCompleted, regen.State)
	require.Len(t, regen.Conversation.Messages, 2)
	require.Equal(t, first.Messages[0].ID, regen.Conversation.Messages[0].ID)
	require.NotEqual(t, first.Messages[1].ID, regen.Conversation.Messages[1].ID)

	rec = env.do(t, http.MethodPut, base+"/messages/"+string(first.Messages[0].ID), `{"text":"better question"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	edited := decode[TurnResponse](t, rec)
	require.Len(t, edited.Conversation.Messages, 2)
	require.Equal(t, "better question", edited.Conversation.Messages[0].VisibleText)
	require.Equal(t, "answer", edited.Conversation.Messages[1].VisibleText)

	assistant := edited.Conversation.Messages[1].ID
	rec = env.do(t, http.MethodPut, base+"/messages/"+string(assistant), `{"text":"nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBranchAndPin(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{frags: []string{"answer"}})
	conv := env.create(t)
	base := "/v1/conversations/" + string(conv.ID)

	rec := env.do(t, http.MethodPost, base+"/messages", `{"text":"question"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[TurnResponse](t, rec).Conversation.Messages

	rec = env.do(t, http.MethodPut, base+"/pin", `{"message_id":"`+string(msgs[1].ID)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, msgs[1].ID, decode[conversation.Conversation](t, rec).PinnedMessageID)

	rec = env.do(t, http.MethodPost, base+"/branch", `{"message_id":"`+string(msgs[0].ID)+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	branch := decode[conversation.Conversation](t, rec)
	require.NotEqual(t, conv.ID, branch.ID)
	require.Len(t, branch.Messages, 1)
	require.Empty(t, branch.PinnedMessageID)

	rec = env.do(t, http.MethodPost, base+"/branch", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/branch", `{"message_id":"missing"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStop_NoLiveTurn(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{})
	conv := env.create(t)

	rec := env.do(t, http.MethodPost, "/v1/conversations/"+string(conv.ID)+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decode[StopResponse](t, rec).Stopped)

	rec = env.do(t, http.MethodPost, "/v1/conversations/missing/stop", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryAndPersonas(t *testing.T) {
	env := newTestEnv(t, &fakeTransport{})

	rec := env.do(t, http.MethodPut, "/v1/memory/home%20town", `{"value":"Porto"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "home_town", decode[map[string]string](t, rec)["key"])

	rec = env.do(t, http.MethodGet, "/v1/memory", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Memory map[string]string `json:"memory"`
	}](t, rec)
	require.Equal(t, map[string]string{"home_town": "Porto"}, got.Memory)

	rec = env.do(t, http.MethodDelete, "/v1/memory/home_town", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/memory/home_town", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/personas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"default"`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{conversation.ErrNotFound, http.StatusNotFound},
		{conversation.ErrMessageNotFound, http.StatusNotFound},
		{agent.ErrEmptyInput, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
		{context.Canceled, http.StatusRequestTimeout},
		{agent.ErrTurnInProgress, http.StatusConflict},
		{agent.ErrUnknownPersona, http.StatusBadRequest},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
