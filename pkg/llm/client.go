// Package llm defines the opaque capabilities the core consumes: chat
// completion, web search, and retrieval. Concrete providers live behind
// these interfaces; the core never imports a provider SDK directly.
package llm

import (
	"context"
	"fmt"

	"github.com/simloom/simloom/pkg/models"
)

// ChatClient is the opaque chat(messages) -> text capability.
type ChatClient interface {
	Chat(ctx context.Context, messages []models.Message) (string, error)
}

// SearchResult is one hit returned by a web-search capability.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchClient is the opaque search(query) -> results capability.
type SearchClient interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Retriever returns knowledge chunks relevant to a query. Embedding
// generation and vector search are the collaborator's concern.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}

// Clients bundles the capabilities injected into a simulation. It travels by
// reference and is never serialized. A nil Clients (or nil Chat) means LLM
// calls are disabled — agents fail their steps and eventually latch offline.
type Clients struct {
	Chat      ChatClient
	Default   ChatClient
	Search    SearchClient
	Retriever Retriever
}

// ChatOrDefault returns the primary chat client, falling back to Default.
func (c *Clients) ChatOrDefault() ChatClient {
	if c == nil {
		return nil
	}
	if c.Chat != nil {
		return c.Chat
	}
	return c.Default
}

// Disabled reports whether no chat capability is available.
func (c *Clients) Disabled() bool {
	return c.ChatOrDefault() == nil
}

// ChatFunc adapts a function to the ChatClient interface (tests, stubs).
type ChatFunc func(ctx context.Context, messages []models.Message) (string, error)

// Chat implements ChatClient.
func (f ChatFunc) Chat(ctx context.Context, messages []models.Message) (string, error) {
	return f(ctx, messages)
}

// FlattenMedia rewrites messages for non-multimodal clients: each media
// reference becomes an "[image: url]" placeholder appended to the content.
func FlattenMedia(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = models.Message{Role: m.Role, Content: m.Content}
		for _, ref := range m.Media {
			out[i].Content += fmt.Sprintf("\n[image: %s]", ref)
		}
	}
	return out
}
