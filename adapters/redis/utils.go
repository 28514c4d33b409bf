package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrPointerType = errors.New("pointer type is not allowed")

// Stream entries carry a single "data" field holding the msgpack
// encoding of the payload, base64 encoded so it survives as a redis
// string.
const payloadField = "data"

// DefaultParseToMessage turns a payload struct into stream entry values.
func DefaultParseToMessage[T any](payload T) (map[string]any, error) {
	if reflect.TypeOf(payload).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		payloadField: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// DefaultParseFromMessage turns stream entry values back into the
// payload struct. An empty entry decodes to the zero value.
func DefaultParseFromMessage[T any](values map[string]any) (T, error) {
	var payload T
	if reflect.TypeOf(payload).Kind() == reflect.Ptr {
		return payload, ErrPointerType
	}
	if len(values) == 0 {
		return payload, nil
	}

	encoded, ok := values[payloadField].(string)
	if !ok {
		return payload, fmt.Errorf("data field not found or invalid type")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payload, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return payload, nil
}
