package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/comigor/pichat/internal/config"
	"github.com/sashabaranov/go-openai"
)

// Client is the minimal subset of openai.Client used by OpenAITransport.
type Client interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// OpenAITransport streams completions from any OpenAI-compatible endpoint.
type OpenAITransport struct {
	client       Client
	defaultModel string
}

// NewOpenAITransport wraps client. defaultModel is used when a request does
// not name one.
func NewOpenAITransport(client Client, defaultModel string) *OpenAITransport {
	return &OpenAITransport{client: client, defaultModel: defaultModel}
}

// StreamCompletion implements Transport.
func (t *OpenAITransport) StreamCompletion(ctx context.Context, req Request) (FragmentStream, error) {
	stream, err := t.client.CreateChatCompletionStream(ctx, t.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("create completion stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func (t *OpenAITransport) buildRequest(req Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = t.defaultModel
	}
	model = stripProvider(model)

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

var providerPrefixes = []string{"openrouter:", "openai:", "ollama:", "groq:"}

// stripProvider drops a provider prefix such as "openrouter:" from a model id;
// the endpoint itself selects the provider.
func stripProvider(model string) string {
	for _, p := range providerPrefixes {
		if rest, ok := strings.CutPrefix(model, p); ok {
			return rest
		}
	}
	return model
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
