package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Routing headers set on every event, so consumers can skip types they do
// not handle without decoding the body.
const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// ErrMalformed wraps every decode failure. Redelivery cannot fix these, so
// handlers drop them instead of returning an error.
var ErrMalformed = errors.New("malformed message")

func EventHeaders(eventType string, version int) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventType, Value: []byte(eventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(version))},
	}
}

// HeaderValue returns the last value of key on m, or "" when absent.
func HeaderValue(m kafka.Message, key string) string {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if m.Headers[i].Key == key {
			return string(m.Headers[i].Value)
		}
	}
	return ""
}

// MustMarshal encodes event bodies built from this module's own types.
// A failure there is a programming error, not a runtime condition.
func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("kafka: marshal %T: %v", v, err))
	}
	return b
}

// Decode unmarshals a JSON body into a T. Errors wrap ErrMalformed.
func Decode[T any](b []byte) (T, error) {
	var v T
	if len(b) == 0 {
		return v, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%w: decode %T: %v", ErrMalformed, v, err)
	}
	return v, nil
}
