package compose

import (
	"fmt"
	"strings"

	"github.com/fieldhub/outreach/internal/llm"
	"github.com/fieldhub/outreach/internal/storage"
)

const systemPromptTemplate = `You are an outreach copywriter for a facility-services marketplace. Write the first contact message to a vendor that has just been approved to join the network. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Address the vendor by name and reference their trade where known.
- Keep SMS drafts under 320 characters; email drafts under 120 words.
- One clear call to action: reply to this message to get started.
- Plain, direct language. No emoji, no marketing superlatives.`

// BuildPrompt constructs the chat messages for drafting an outreach message
// to the given vendor on the given channel.
func BuildPrompt(v storage.Vendor, channel string) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel: %s\n", channel)
	fmt.Fprintf(&sb, "Vendor name: %s\n", v.Name)
	if v.Notes != "" {
		fmt.Fprintf(&sb, "Vendor notes: %s\n", v.Notes)
	}
	if v.Urgent {
		sb.WriteString("This vendor is attached to an urgent contract; the message should ask for a same-week response.\n")
	}

	return []llm.Message{
		{Role: "system", Content: systemPromptTemplate},
		{Role: "user", Content: sb.String()},
	}
}

// draftSchema returns the JSON schema for structured draft output.
func draftSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"channel": {Type: "string", Description: "Delivery channel the draft was written for: sms or email"},
			"content": {Type: "string", Description: "The message body, ready to send"},
		},
		Required: []string{"channel", "content"},
	}
}
