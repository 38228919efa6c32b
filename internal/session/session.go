// Package session drives one streaming assistant turn from a completion
// transport into the conversation store.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/llm"
	"github.com/comigor/pichat/internal/logger"
	"github.com/comigor/pichat/internal/stream"
)

var (
	// ErrTransportUnavailable means the completion stream could not be opened.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrCancelled is the result error of an aborted session.
	ErrCancelled = errors.New("session cancelled")
)

// StreamError wraps an error the transport raised after the stream opened.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "stream error: " + e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }

const unavailableText = "Sorry, I couldn't reach the model. Please try again."

// State of a session's lifecycle.
type State string

const (
	StatePending   State = "Pending"
	StateStreaming State = "Streaming"
	StateCompleted State = "Completed"
	StateAborted   State = "Aborted"
	StateFailed    State = "Failed"
)

// Terminal reports whether no further fragments can be applied in s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

type trigger string

const (
	triggerFirstFragment  trigger = "FirstFragment"
	triggerEndOfStream    trigger = "EndOfStream"
	triggerCancel         trigger = "Cancel"
	triggerTransportError trigger = "TransportError"
)

// Store is the subset of conversation.Store a session writes through.
type Store interface {
	Apply(id conversation.ID, u conversation.Updater) (conversation.Conversation, error)
}

// Result is the terminal outcome of a session.
type Result struct {
	State State
	Err   error
}

// Option configures a Session.
type Option func(*Session)

// WithSink forwards memory directives found in the answer channel to sink.
func WithSink(sink stream.Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithDelimiters overrides the reasoning delimiters.
func WithDelimiters(d stream.Delimiters) Option {
	return func(s *Session) { s.delims = d }
}

// Session streams one completion into a single assistant message. The message
// must already exist in the store with IsStreaming set.
type Session struct {
	id             string
	conversationID conversation.ID
	messageID      conversation.MessageID
	req            llm.Request

	store     Store
	transport llm.Transport
	sink      stream.Sink
	delims    stream.Delimiters

	token *Token
	fsm   *stateless.StateMachine
	log   *slog.Logger

	// mu is the apply lock: it orders fragment application, Cancel and the
	// terminal writes.
	mu              sync.Mutex
	buf             stream.Buffer
	scanner         *stream.Scanner
	extractor       *stream.Extractor
	reasoningActive bool

	started atomic.Bool
	done    chan struct{}
	result  Result
}

// New prepares a session targeting message msgID of conversation convID.
func New(store Store, transport llm.Transport, convID conversation.ID, msgID conversation.MessageID, req llm.Request, opts ...Option) *Session {
	s := &Session{
		id:             uuid.NewString(),
		conversationID: convID,
		messageID:      msgID,
		req:            req,
		store:          store,
		transport:      transport,
		delims:         stream.DefaultDelimiters,
		token:          NewToken(context.Background()),
		log:            logger.L,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scanner = stream.NewScanner(s.delims)
	s.extractor = stream.NewExtractor(stream.SinkFunc(s.record))
	s.fsm = s.newMachine()
	return s
}

func (s *Session) newMachine() *stateless.StateMachine {
	m := stateless.NewStateMachine(StatePending)

	m.Configure(StatePending).
		Permit(triggerFirstFragment, StateStreaming).
		Permit(triggerEndOfStream, StateCompleted).
		Permit(triggerCancel, StateAborted).
		Permit(triggerTransportError, StateFailed)

	m.Configure(StateStreaming).
		Permit(triggerEndOfStream, StateCompleted).
		Permit(triggerCancel, StateAborted).
		Permit(triggerTransportError, StateFailed)

	for _, st := range []State{StateCompleted, StateAborted, StateFailed} {
		m.Configure(st).
			Ignore(triggerFirstFragment).
			Ignore(triggerEndOfStream).
			Ignore(triggerCancel).
			Ignore(triggerTransportError)
	}

	m.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		s.log.Debug("session transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})
	return m
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// ConversationID is the conversation the session writes to.
func (s *Session) ConversationID() conversation.ID { return s.conversationID }

// MessageID is the assistant message the session writes to.
func (s *Session) MessageID() conversation.MessageID { return s.messageID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.fsm.MustState().(State)
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Run has returned and reports the outcome.
func (s *Session) Wait() Result {
	<-s.done
	return s.result
}

// Cancel stops the session. The target message is frozen before Cancel
// returns; fragments that arrive afterwards are dropped. Cancel is idempotent
// and a no-op once the session is terminal.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.IsCancelled() || s.State().Terminal() {
		return
	}
	s.token.Cancel()
	if err := s.write("", "", false, false); err != nil {
		s.log.Warn("failed to freeze message on cancel", "error", err)
	}
}

// Run streams the completion until end of stream, failure or cancellation.
// Cancelling ctx has the same effect as Cancel. Run may be called once;
// later calls wait for the first to finish.
func (s *Session) Run(ctx context.Context) Result {
	if !s.started.CompareAndSwap(false, true) {
		return s.Wait()
	}
	defer close(s.done)

	ctx = logger.WithContext(ctx, "conversation", s.conversationID, "session", s.id)
	s.log = logger.FromContext(ctx)
	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	if s.token.IsCancelled() {
		return s.abort()
	}

	fs, err := s.transport.StreamCompletion(s.token.Context(), s.req)
	if err != nil {
		if s.token.IsCancelled() {
			return s.abort()
		}
		return s.fail(fmt.Errorf("%w: %w", ErrTransportUnavailable, err))
	}

	frags := make(chan received)
	readerDone := make(chan struct{})
	go s.read(fs, frags, readerDone)
	defer func() {
		s.token.release()
		if err := fs.Close(); err != nil {
			s.log.Debug("closing fragment stream", "error", err)
		}
		<-readerDone
	}()

	for {
		select {
		case <-s.token.Done():
			return s.abort()
		case r := <-frags:
			switch {
			case errors.Is(r.err, io.EOF):
				return s.complete()
			case r.err != nil:
				return s.fail(&StreamError{Err: r.err})
			}
			if err := s.apply(r.fragment); err != nil {
				return s.fail(err)
			}
		}
	}
}

type received struct {
	fragment string
	err      error
}

func (s *Session) read(fs llm.FragmentStream, out chan<- received, done chan<- struct{}) {
	defer close(done)
	for {
		frag, err := fs.Recv()
		select {
		case out <- received{fragment: frag, err: err}:
		case <-s.token.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) apply(fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.IsCancelled() {
		s.log.Debug("dropping fragment after cancel")
		return nil
	}
	if s.State() == StatePending {
		s.fire(triggerFirstFragment)
	}

	s.buf.Append(fragment)
	out := s.scanner.Feed(s.buf.Drain())
	visible := s.extractor.Feed(out.Answer)
	active := s.scanner.InReasoning()
	if visible == "" && out.Reasoning == "" && active == s.reasoningActive {
		return nil
	}
	s.reasoningActive = active
	return s.write(visible, out.Reasoning, active, true)
}

func (s *Session) complete() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.IsCancelled() {
		return s.abortLocked()
	}

	out := s.scanner.Flush()
	visible := s.extractor.Feed(out.Answer) + s.extractor.Flush()
	if err := s.write(visible, out.Reasoning, false, false); err != nil {
		return s.failLocked(err)
	}

	s.fire(triggerEndOfStream)
	s.log.Info("session completed", "directives", len(s.extractor.Applied()))
	return s.finish(StateCompleted, nil)
}

func (s *Session) fail(cause error) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.IsCancelled() {
		return s.abortLocked()
	}
	return s.failLocked(cause)
}

func (s *Session) failLocked(cause error) Result {
	text := failureText(cause)
	_, err := s.store.Apply(s.conversationID, conversation.UpdateMessage(s.messageID, func(m conversation.Message) conversation.Message {
		m.VisibleText = text
		m.ReasoningText = ""
		m.IsReasoningActive = false
		m.IsStreaming = false
		return m
	}))
	if err != nil {
		s.log.Warn("failed to record session failure", "error", err)
	}

	s.fire(triggerTransportError)
	s.log.Warn("session failed", "error", cause)
	return s.finish(StateFailed, cause)
}

func (s *Session) abort() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortLocked()
}

func (s *Session) abortLocked() Result {
	if !s.token.IsCancelled() {
		// Run's context ended without Cancel being called.
		s.token.Cancel()
		if err := s.write("", "", false, false); err != nil {
			s.log.Warn("failed to freeze message on cancel", "error", err)
		}
	}
	s.fire(triggerCancel)
	s.log.Info("session aborted")
	return s.finish(StateAborted, ErrCancelled)
}

func (s *Session) finish(st State, err error) Result {
	s.result = Result{State: st, Err: err}
	return s.result
}

func (s *Session) fire(t trigger) {
	if err := s.fsm.Fire(t); err != nil {
		s.log.Error("session state machine rejected trigger", "trigger", t, "error", err)
	}
}

// write appends to the target message and sets its flags in one store update.
func (s *Session) write(visible, reasoning string, reasoningActive, streaming bool) error {
	_, err := s.store.Apply(s.conversationID, conversation.UpdateMessage(s.messageID, func(m conversation.Message) conversation.Message {
		m.VisibleText += visible
		m.ReasoningText += reasoning
		m.IsReasoningActive = reasoningActive
		m.IsStreaming = streaming
		return m
	}))
	return err
}

func (s *Session) record(key, value string) {
	s.log.Info("memory directive applied", "key", key)
	if s.sink != nil {
		s.sink.Record(key, value)
	}
}

func failureText(err error) string {
	if errors.Is(err, ErrTransportUnavailable) {
		return unavailableText
	}
	var se *StreamError
	if errors.As(err, &se) {
		return "Error: " + se.Err.Error()
	}
	return "Error: " + err.Error()
}
