// Package messaging delivers outreach messages through the platform's
// messaging gateway, an internal HTTP service fronting the SMS and email
// providers. Delivery failures feed the dispatcher's retry path.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Channels.
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

const (
	defaultTimeout = 15 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Message is one outbound delivery.
type Message struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
	Content string `json:"content"`
}

// Gateway is a client for the messaging gateway service.
type Gateway struct {
	baseURL     string
	apiKey      string
	fromNumber  string
	fromAddress string
	httpClient  *http.Client
}

// NewGateway creates a Gateway client. fromNumber and fromAddress identify
// the sending SMS number and email address.
func NewGateway(baseURL, apiKey, fromNumber, fromAddress string) *Gateway {
	return &Gateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		fromNumber:  fromNumber,
		fromAddress: fromAddress,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// smsRequest is the JSON body for POST /v1/sms.
type smsRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// emailRequest is the JSON body for POST /v1/email.
type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Deliver sends one message on its channel. Gateway rate limiting (HTTP 429)
// is retried in-call with exponential backoff; any other failure is returned
// to the caller's retry path.
func (g *Gateway) Deliver(ctx context.Context, m Message) error {
	var path string
	var payload any
	switch m.Channel {
	case ChannelSMS:
		path = "/v1/sms"
		payload = smsRequest{From: g.fromNumber, To: m.Address, Body: m.Content}
	case ChannelEmail:
		path = "/v1/email"
		payload = emailRequest{
			From:    g.fromAddress,
			To:      m.Address,
			Subject: "Welcome to the vendor network",
			Body:    m.Content,
		}
	default:
		return fmt.Errorf("unsupported channel %q", m.Channel)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		err := g.post(ctx, path, body)
		if err == nil {
			return nil
		}
		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (g *Gateway) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// PreferredChannel picks the delivery channel for a vendor's contact fields:
// SMS when a phone number is present, email otherwise.
func PreferredChannel(phone, email string) (channel, address string, ok bool) {
	switch {
	case phone != "":
		return ChannelSMS, phone, true
	case email != "":
		return ChannelEmail, email, true
	default:
		return "", "", false
	}
}
