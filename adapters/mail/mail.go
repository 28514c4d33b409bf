// Package mail sends transactional email through an HTTP delivery API.
// Requests are retried on transient failures; a non-2xx terminal
// response surfaces as an error for the caller to log.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

type apiRequest struct {
	From string `json:"from"`
	Message
}

type Sender struct {
	client   *retryablehttp.Client
	endpoint string
	apiKey   string
	from     string
}

type SenderOption func(*Sender)

func WithRetryMax(n int) SenderOption {
	return func(s *Sender) {
		s.client.RetryMax = n
	}
}

func WithTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		s.client.HTTPClient.Timeout = d
	}
}

func NewSender(endpoint, apiKey, from string, opts ...SenderOption) *Sender {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = 15 * time.Second

	sender := &Sender{
		client:   client,
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
	}
	for _, opt := range opts {
		opt(sender)
	}
	return sender
}

func (s *Sender) Send(ctx context.Context, msg Message) error {
	const op = "Send"
	body, err := json.Marshal(apiRequest{From: s.from, Message: msg})
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode message, err=%w", op, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("[%s] Fail to create request, err=%w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("[%s] Fail to deliver message, err=%w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("[%s] Delivery API returned status=%d, body=%s", op, resp.StatusCode, detail)
	}
	return nil
}
