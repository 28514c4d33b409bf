package s3_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artlot/adapters/s3"
)

func TestMaxSizeReader_WithinLimit(t *testing.T) {
	reader := s3.NewMaxSizeReader(strings.NewReader("hello"), 10)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestMaxSizeReader_ExactLimit(t *testing.T) {
	reader := s3.NewMaxSizeReader(strings.NewReader("hello"), 5)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestMaxSizeReader_OverLimit(t *testing.T) {
	reader := s3.NewMaxSizeReader(strings.NewReader("hello world"), 5)

	buf := make([]byte, 64)
	n, err := reader.Read(buf)

	assert.Equal(t, 5, n, "only the allowed bytes should be returned")

	var limitErr *s3.ReachLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.EqualValues(t, 5, limitErr.MaxBytes)
	assert.Equal(t, "reach limit of 5 bytes", err.Error())
}

func TestMaxSizeReader_OverLimitAcrossReads(t *testing.T) {
	reader := s3.NewMaxSizeReader(bytes.NewReader(bytes.Repeat([]byte("x"), 20)), 8)

	buf := make([]byte, 6)
	n, err := reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = reader.Read(buf)
	assert.Equal(t, 2, n)
	var limitErr *s3.ReachLimitError
	assert.True(t, errors.As(err, &limitErr))
}

func TestMaxSizeReader_EmptyBuffer(t *testing.T) {
	reader := s3.NewMaxSizeReader(strings.NewReader("hello"), 5)

	n, err := reader.Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)
}
