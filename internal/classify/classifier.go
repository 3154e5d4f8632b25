// Package classify wraps the message-classification collaborator: it turns an
// inbound vendor reply plus prior context into an intent and a suggested
// response.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldhub/outreach/internal/llm"
	"github.com/fieldhub/outreach/internal/storage"
)

const classifyTimeout = 10 * time.Second

// Intents.
const (
	IntentInterested    = "INTERESTED"
	IntentNotInterested = "NOT_INTERESTED"
	IntentQuestion      = "QUESTION"
	IntentUnknown       = "UNKNOWN"
)

// Chatter is the interface for chat completion against the reasoning service.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error)
}

// Result holds the structured classification of one inbound reply.
type Result struct {
	Intent string `json:"intent"`
	Reply  string `json:"reply"`
}

// Classifier uses the reasoning service to classify inbound replies.
type Classifier struct {
	client Chatter
	model  string
}

// NewClassifier creates a Classifier using the given client and model name.
func NewClassifier(client Chatter, model string) *Classifier {
	return &Classifier{client: client, model: model}
}

// Classify analyses the vendor's message against their prior activity.
// Unrecognized intent values collapse to UNKNOWN; transport failures are
// returned as errors and the caller degrades to UNKNOWN, so an unreachable
// classifier never blocks recording the reply.
func (c *Classifier) Classify(ctx context.Context, v storage.Vendor, message string, previous []string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	raw, err := c.client.Chat(ctx, c.model, BuildPrompt(v, message, previous), resultSchema())
	if err != nil {
		return Result{}, fmt.Errorf("classifying reply: %w", err)
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, fmt.Errorf("malformed classification response: %w", err)
	}

	switch res.Intent {
	case IntentInterested, IntentNotInterested, IntentQuestion:
	default:
		res.Intent = IntentUnknown
	}
	return res, nil
}
