package redis

import (
	"io"
	"log"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	// Keep client noise out of test output.
	log.SetOutput(io.Discard)
}

// newMockClient returns a mocked redis client and a cleanup that also
// asserts every expectation was consumed.
func newMockClient(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	client, mock := redismock.NewClientMock()
	return client, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		client.Close()
	}
}

type testEvent struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}
