package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDeliver_SMS(t *testing.T) {
	var got smsRequest
	var gotPath, gotAuth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(200)
	}))
	defer ts.Close()

	g := NewGateway(ts.URL, "gw-key", "+15550100000", "outreach@fieldhub.example")
	err := g.Deliver(context.Background(), Message{
		Channel: ChannelSMS,
		Address: "+15551234567",
		Content: "welcome aboard",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotPath != "/v1/sms" {
		t.Errorf("path = %q, want /v1/sms", gotPath)
	}
	if gotAuth != "Bearer gw-key" {
		t.Errorf("auth = %q, want Bearer gw-key", gotAuth)
	}
	if got.From != "+15550100000" || got.To != "+15551234567" || got.Body != "welcome aboard" {
		t.Errorf("request = %+v", got)
	}
}

func TestDeliver_Email(t *testing.T) {
	var got emailRequest
	var gotPath string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(200)
	}))
	defer ts.Close()

	g := NewGateway(ts.URL, "", "+15550100000", "outreach@fieldhub.example")
	err := g.Deliver(context.Background(), Message{
		Channel: ChannelEmail,
		Address: "ops@acme.example",
		Content: "welcome aboard",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotPath != "/v1/email" {
		t.Errorf("path = %q, want /v1/email", gotPath)
	}
	if got.From != "outreach@fieldhub.example" || got.To != "ops@acme.example" {
		t.Errorf("request = %+v", got)
	}
	if got.Subject == "" {
		t.Error("email subject should be set")
	}
}

func TestDeliver_UnsupportedChannel(t *testing.T) {
	g := NewGateway("http://localhost:0", "", "", "")
	err := g.Deliver(context.Background(), Message{Channel: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "unsupported channel") {
		t.Errorf("err = %v, want unsupported channel", err)
	}
}

func TestDeliver_RetriesRateLimit(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(200)
	}))
	defer ts.Close()

	g := NewGateway(ts.URL, "", "+15550100000", "")
	err := g.Deliver(context.Background(), Message{
		Channel: ChannelSMS,
		Address: "+15551234567",
		Content: "x",
	})
	if err != nil {
		t.Fatalf("Deliver after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDeliver_RateLimitExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	g := NewGateway(ts.URL, "", "+15550100000", "")
	err := g.Deliver(context.Background(), Message{
		Channel: ChannelSMS,
		Address: "+15551234567",
		Content: "x",
	})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v, want rate limited after retries", err)
	}
}

func TestDeliver_ServerErrorNotRetried(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(500)
		w.Write([]byte("provider unavailable"))
	}))
	defer ts.Close()

	g := NewGateway(ts.URL, "", "+15550100000", "")
	err := g.Deliver(context.Background(), Message{
		Channel: ChannelSMS,
		Address: "+15551234567",
		Content: "x",
	})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (5xx goes to the task retry path, not in-call retry)", attempts)
	}
}

func TestPreferredChannel(t *testing.T) {
	tests := []struct {
		phone, email string
		wantChannel  string
		wantAddress  string
		wantOK       bool
	}{
		{"+15551234567", "ops@acme.example", ChannelSMS, "+15551234567", true},
		{"", "ops@acme.example", ChannelEmail, "ops@acme.example", true},
		{"+15551234567", "", ChannelSMS, "+15551234567", true},
		{"", "", "", "", false},
	}

	for _, tt := range tests {
		channel, address, ok := PreferredChannel(tt.phone, tt.email)
		if channel != tt.wantChannel || address != tt.wantAddress || ok != tt.wantOK {
			t.Errorf("PreferredChannel(%q, %q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.phone, tt.email, channel, address, ok, tt.wantChannel, tt.wantAddress, tt.wantOK)
		}
	}
}
