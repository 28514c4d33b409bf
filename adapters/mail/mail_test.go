package mail_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artlot/adapters/mail"
)

func TestSender_Send(t *testing.T) {
	var got struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		Text    string `json:"text"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := mail.NewSender(server.URL, "test-key", "auctions@example.com")
	err := sender.Send(context.Background(), mail.Message{
		To:      "bidder@example.com",
		Subject: "You have been outbid",
		Text:    "A higher bid was placed.",
	})

	require.NoError(t, err)
	assert.Equal(t, "auctions@example.com", got.From)
	assert.Equal(t, "bidder@example.com", got.To)
	assert.Equal(t, "You have been outbid", got.Subject)
}

func TestSender_SendRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := mail.NewSender(server.URL, "test-key", "auctions@example.com", mail.WithRetryMax(2))
	err := sender.Send(context.Background(), mail.Message{To: "bidder@example.com", Subject: "hi", Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSender_SendTerminalFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"invalid recipient"}`))
	}))
	defer server.Close()

	sender := mail.NewSender(server.URL, "test-key", "auctions@example.com", mail.WithRetryMax(0))
	err := sender.Send(context.Background(), mail.Message{To: "not-an-address", Subject: "hi", Text: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=422")
}
