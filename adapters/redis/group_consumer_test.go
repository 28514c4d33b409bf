package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGroupConsumer(t *testing.T) {
	client, _, cleanup := newMockClient(t)
	defer cleanup()

	tests := []struct {
		name     string
		client   *redis.Client
		stream   string
		group    string
		consumer string
		wantErr  bool
	}{
		{"valid configuration", client, "stream", "group", "consumer-1", false},
		{"nil client", nil, "stream", "group", "consumer-1", true},
		{"empty stream", client, "", "group", "consumer-1", true},
		{"empty group", client, "stream", "", "consumer-1", true},
		{"empty consumer", client, "stream", "group", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gc, err := NewGroupConsumer[testEvent](tt.client, tt.stream, tt.group, tt.consumer)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, gc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, gc)
			}
		})
	}
}

func testEvent_Done(t *testing.T) {
	client, mock, cleanup := newMockClient(t)
	defer cleanup()

	mock.ExpectXAck("stream", "group", "1-0").SetVal(1)

	msg := &Message[testEvent]{
		Data:      testEvent{ID: "1"},
		client:    client,
		messageID: "1-0",
		stream:    "stream",
		group:     "group",
		raw:       map[string]any{"data": "x"},
	}

	require.NoError(t, msg.Done(context.Background()))
	// A second Done is a no-op.
	require.NoError(t, msg.Done(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testEvent_Fail(t *testing.T) {
	client, mock, cleanup := newMockClient(t)
	defer cleanup()

	failErr := errors.New("bid sync failed")
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "stream:dead-letter",
		Values: map[string]any{"data": "x", "error": failErr.Error()},
	}).SetVal("2-0")
	mock.ExpectXAck("stream", "group", "1-0").SetVal(1)

	msg := &Message[testEvent]{
		Data:      testEvent{ID: "1"},
		client:    client,
		messageID: "1-0",
		stream:    "stream",
		group:     "group",
		raw:       map[string]any{"data": "x"},
	}

	require.NoError(t, msg.Fail(context.Background(), failErr))
	// Already acked; Fail again is a no-op.
	require.NoError(t, msg.Fail(context.Background(), failErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}
