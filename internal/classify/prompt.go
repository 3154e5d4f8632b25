package classify

import (
	"fmt"
	"strings"

	"github.com/fieldhub/outreach/internal/llm"
	"github.com/fieldhub/outreach/internal/storage"
)

const systemPromptTemplate = `You are an intent classification engine for vendor replies on a facility-services marketplace. Classify the vendor's latest message and draft a short, courteous response. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Intents:
- "INTERESTED": the vendor wants to proceed or asks how to start
- "NOT_INTERESTED": the vendor declines, opts out, or asks to stop contact
- "QUESTION": the vendor asks something that needs a human answer
- "UNKNOWN": the message cannot be classified

Rules:
- Opt-out language ("stop", "unsubscribe", "don't contact me") is always NOT_INTERESTED.
- When in doubt between INTERESTED and QUESTION, prefer QUESTION.
- The reply must acknowledge the vendor's message in one or two sentences.`

// BuildPrompt constructs the chat messages for classifying an inbound reply,
// with the vendor's prior activity as conversation context.
func BuildPrompt(v storage.Vendor, message string, previous []string) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Vendor name: %s\n", v.Name)
	if len(previous) > 0 {
		sb.WriteString("Previous interactions, oldest first:\n")
		for _, p := range previous {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	fmt.Fprintf(&sb, "\nLatest message from vendor:\n%s\n", message)

	return []llm.Message{
		{Role: "system", Content: systemPromptTemplate},
		{Role: "user", Content: sb.String()},
	}
}

// resultSchema returns the JSON schema for structured classification output.
func resultSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"intent": {Type: "string", Description: "One of: INTERESTED, NOT_INTERESTED, QUESTION, UNKNOWN"},
			"reply":  {Type: "string", Description: "A short response to send back to the vendor"},
		},
		Required: []string{"intent", "reply"},
	}
}
