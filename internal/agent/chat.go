package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/genie/internal/ollama"
)

// KindChat is the kind of the general-purpose default agent.
const KindChat = "chat"

const chatSystemPrompt = `You are Genie, a concise assistant. Answer the user's question directly in one or two sentences. Do not restate the question.`

// ChatClient is the chat completion capability ChatAgent needs.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// ChatAgent answers any request through a chat model. It is meant to be the
// dispatcher's default.
type ChatAgent struct {
	client ChatClient
	model  string
}

// NewChatAgent creates a ChatAgent using model on client.
func NewChatAgent(client ChatClient, model string) *ChatAgent {
	return &ChatAgent{client: client, model: model}
}

func (a *ChatAgent) Kind() string { return KindChat }

func (a *ChatAgent) Accepts(req Request) bool {
	return strings.TrimSpace(req.Text) != ""
}

func (a *ChatAgent) Execute(ctx context.Context, req Request) (Artifact, error) {
	messages := []ollama.Message{{Role: "system", Content: chatSystemPrompt}}
	if prev := strings.TrimSpace(req.Context.LastQuestion); prev != "" {
		messages = append(messages, ollama.Message{Role: "user", Content: "Previous question: " + prev})
	}
	messages = append(messages, ollama.Message{Role: "user", Content: req.Text})

	reply, err := a.client.Chat(ctx, a.model, messages, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("chat completion: %w", err)
	}
	return Artifact{Answer: strings.TrimSpace(reply)}, nil
}

// Format replays a stored chat answer as is.
func (a *ChatAgent) Format(stored Artifact, _ Request) (Artifact, error) {
	stored.Answer = strings.TrimSpace(stored.Answer)
	return stored, nil
}
