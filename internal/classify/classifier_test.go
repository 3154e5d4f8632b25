package classify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fieldhub/outreach/internal/llm"
	"github.com/fieldhub/outreach/internal/storage"
)

type mockChatter struct {
	response string
	err      error

	gotMessages []llm.Message
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error) {
	m.gotMessages = messages
	return m.response, m.err
}

func TestClassify_KnownIntents(t *testing.T) {
	tests := []struct {
		response string
		want     string
	}{
		{`{"intent":"INTERESTED","reply":"Great, here is how to start."}`, IntentInterested},
		{`{"intent":"NOT_INTERESTED","reply":"Understood, we will not contact you again."}`, IntentNotInterested},
		{`{"intent":"QUESTION","reply":"Good question, a teammate will follow up."}`, IntentQuestion},
		{`{"intent":"UNKNOWN","reply":""}`, IntentUnknown},
	}

	for _, tt := range tests {
		mock := &mockChatter{response: tt.response}
		c := NewClassifier(mock, "phi3.5")

		res, err := c.Classify(context.Background(), storage.Vendor{Name: "Acme"}, "hello", nil)
		if err != nil {
			t.Errorf("Classify(%q): %v", tt.response, err)
			continue
		}
		if res.Intent != tt.want {
			t.Errorf("intent = %q, want %q", res.Intent, tt.want)
		}
	}
}

func TestClassify_UnrecognizedIntentCollapsesToUnknown(t *testing.T) {
	mock := &mockChatter{response: `{"intent":"MAYBE","reply":"hmm"}`}
	c := NewClassifier(mock, "phi3.5")

	res, err := c.Classify(context.Background(), storage.Vendor{Name: "Acme"}, "hello", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Intent != IntentUnknown {
		t.Errorf("intent = %q, want UNKNOWN", res.Intent)
	}
}

func TestClassify_TransportErrorSurfaces(t *testing.T) {
	mock := &mockChatter{err: errors.New("connection refused")}
	c := NewClassifier(mock, "phi3.5")

	_, err := c.Classify(context.Background(), storage.Vendor{Name: "Acme"}, "hello", nil)
	if err == nil {
		t.Fatal("expected error when the reasoning service is down")
	}
}

func TestClassify_MalformedResponse(t *testing.T) {
	mock := &mockChatter{response: `the vendor sounds interested`}
	c := NewClassifier(mock, "phi3.5")

	_, err := c.Classify(context.Background(), storage.Vendor{Name: "Acme"}, "hello", nil)
	if err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestBuildPrompt_IncludesContext(t *testing.T) {
	previous := []string{
		"OUTREACH_SENT: welcome message delivered",
		"INBOUND_REPLY: what are your rates?",
	}

	msgs := BuildPrompt(storage.Vendor{Name: "Acme Plumbing"}, "sounds good, sign me up", previous)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}

	user := msgs[1].Content
	if !strings.Contains(user, "Acme Plumbing") {
		t.Error("prompt missing vendor name")
	}
	if !strings.Contains(user, "sounds good, sign me up") {
		t.Error("prompt missing latest message")
	}
	for _, p := range previous {
		if !strings.Contains(user, p) {
			t.Errorf("prompt missing prior context line %q", p)
		}
	}

	// Context must read oldest first so the conversation makes sense.
	if strings.Index(user, previous[0]) > strings.Index(user, previous[1]) {
		t.Error("prior context not oldest first")
	}
}

func TestBuildPrompt_NoContext(t *testing.T) {
	msgs := BuildPrompt(storage.Vendor{Name: "Acme"}, "hello", nil)
	if strings.Contains(msgs[1].Content, "Previous interactions") {
		t.Error("prompt should omit the context section when there is none")
	}
}
