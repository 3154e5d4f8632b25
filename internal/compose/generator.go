// Package compose wraps the content-generation collaborator: it turns a
// vendor snapshot into a channel-specific outreach draft.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldhub/outreach/internal/llm"
	"github.com/fieldhub/outreach/internal/storage"
)

const defaultDraftTimeout = 20 * time.Second

// Chatter is the interface for chat completion against the reasoning service.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error)
}

// Draft is the structured generation result.
type Draft struct {
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// Generator produces outreach drafts via the reasoning service. Unlike the
// classifier it is strict: transport errors, timeouts, and malformed output
// all surface as errors so the dispatcher's retry path owns recovery.
type Generator struct {
	client  Chatter
	model   string
	timeout time.Duration
}

// NewGenerator creates a Generator using the given client and model name.
// If timeout is <= 0 a default is applied.
func NewGenerator(client Chatter, model string, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = defaultDraftTimeout
	}
	return &Generator{client: client, model: model, timeout: timeout}
}

// Draft asks the collaborator for an outreach message to v on channel.
func (g *Generator) Draft(ctx context.Context, v storage.Vendor, channel string) (Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.client.Chat(ctx, g.model, BuildPrompt(v, channel), draftSchema())
	if err != nil {
		return Draft{}, fmt.Errorf("generating draft: %w", err)
	}

	var d Draft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Draft{}, fmt.Errorf("malformed draft response: %w", err)
	}
	if d.Content == "" {
		return Draft{}, fmt.Errorf("draft response has empty content")
	}
	if d.Channel == "" {
		d.Channel = channel
	}
	return d, nil
}
