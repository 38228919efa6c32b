package llm

import (
	"context"
)

// Role values accepted in Request.Messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior turn sent to the model.
type Message struct {
	Role    string
	Content string
}

// Request describes one streaming completion.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  *float32
	MaxTokens    *int
}

// FragmentStream is a single-pass sequence of text fragments. Recv returns
// io.EOF after the last fragment. Close releases the underlying connection and
// may be called at any time, including concurrently with a blocked Recv.
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

// Transport opens streaming completions. Cancelling ctx aborts the request on
// a best-effort basis.
type Transport interface {
	StreamCompletion(ctx context.Context, req Request) (FragmentStream, error)
}
