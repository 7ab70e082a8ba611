package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider sends a chat transcript to a model and returns the reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
