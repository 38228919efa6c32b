// Package persona defines the system prompts a conversation can run under.
package persona

import (
	"cmp"
	"slices"
	"sync"
)

// DefaultID is the persona used when none, or an unknown one, is requested.
const DefaultID = "default"

const memoryAppendix = "\nYou have a long-term memory. Key facts about the user will be provided in a 'Long-Term Memory' block. " +
	"To remember a new fact or update an existing one, output a command on its own line like this: " +
	`[SAVE_MEMORY key="the_key" value="the_value_to_remember"]. ` +
	"Do not wrap this command in code blocks. The command will be hidden from the user."

// Persona is a named system prompt with a suggested model.
type Persona struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	StarModel string `json:"star_model,omitempty"`
	Custom    bool   `json:"custom,omitempty"`
}

var builtins = []Persona{
	{
		ID:        DefaultID,
		Name:      "Helpful Assistant",
		Prompt:    "You are PiChat, a helpful, respectful, and honest assistant. Always answer as helpfully as possible, providing accurate and well-reasoned responses. Be friendly and approachable." + memoryAppendix,
		StarModel: "openrouter:openai/gpt-4o",
	},
	{
		ID:        "code_expert",
		Name:      "Code Expert",
		Prompt:    "You are an expert programmer specializing in complex algorithms and data structures. Your code is clean, efficient, and follows best practices. Provide detailed explanations, complexity analysis, and use markdown for all code blocks with the correct language identifier." + memoryAppendix,
		StarModel: "openrouter:anthropic/claude-3.5-sonnet-20240620",
	},
	{
		ID:        "ultra_thinker",
		Name:      "Ultra Thinker",
		Prompt:    "You are a deep thinker and problem solver. Break down complex problems into their constituent parts, analyze them from first principles, and synthesize novel solutions. Your reasoning should be clear, logical, and easy to follow." + memoryAppendix,
		StarModel: "openrouter:anthropic/claude-3-opus-20240229",
	},
	{
		ID:        "creative_writer",
		Name:      "Creative Writer",
		Prompt:    "You are a master storyteller and creative writer. Weave imaginative tales, write beautiful poetry, and help brainstorm creative ideas. You can adopt various writing styles and genres on request." + memoryAppendix,
		StarModel: "openrouter:openai/gpt-4o",
	},
	{
		ID:        "bestie",
		Name:      "Your Bestie",
		Prompt:    "You are a friendly, supportive, and empathetic friend. You listen without judgment, offer encouragement, and are always there for a chat. Your tone is warm, casual, and a little playful." + memoryAppendix,
		StarModel: "openrouter:openai/gpt-4o",
	},
	{
		ID:        "sarcastic_comedian",
		Name:      "Sarcastic Comedian",
		Prompt:    "You are a sarcastic comedian with a dry wit. Your responses are witty and slightly condescending, but never truly mean. You are reluctant to be helpful but ultimately provide the correct information." + memoryAppendix,
		StarModel: "openrouter:meta-llama/llama-3.1-70b-instruct",
	},
}

// Registry resolves persona ids. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Persona
}

// NewRegistry returns a registry holding the built-in personas.
func NewRegistry() *Registry {
	r := &Registry{personas: make(map[string]Persona, len(builtins))}
	for _, p := range builtins {
		r.personas[p.ID] = p
	}
	return r
}

// Register adds or replaces a custom persona. The memory instructions are
// appended to its prompt.
func (r *Registry) Register(p Persona) {
	p.Custom = true
	p.Prompt += memoryAppendix
	r.mu.Lock()
	r.personas[p.ID] = p
	r.mu.Unlock()
}

// Get returns persona id and whether it exists.
func (r *Registry) Get(id string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	return p, ok
}

// Resolve returns persona id, or the default persona if id is unknown.
func (r *Registry) Resolve(id string) Persona {
	if p, ok := r.Get(id); ok {
		return p
	}
	p, _ := r.Get(DefaultID)
	return p
}

// List returns every persona ordered by id.
func (r *Registry) List() []Persona {
	r.mu.RLock()
	out := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Persona) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
