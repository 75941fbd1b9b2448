package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Validation failures. All of them classify the message as a permanent drop:
// malformed input will not become valid on redelivery.
var (
	ErrPayloadShape   = errors.New("payload is not a valid sensor state document")
	ErrMissingValue   = errors.New("payload has no value field")
	ErrNonFiniteValue = errors.New("payload value is not a finite number")
	ErrBadTimestamp   = errors.New("payload timestamp is not a valid RFC 3339 instant")
)

// SensorPayload is the validated, normalized body of a sensor state message.
type SensorPayload struct {
	Value     float64
	Timestamp time.Time
	// TimestampFromBroker marks the degraded-accuracy path where the payload
	// carried no timestamp and the broker receipt time was substituted.
	TimestampFromBroker bool
}

// sensorStateDoc is the v1 wire contract: a small JSON object with a numeric
// value and an optional RFC 3339 timestamp. Additional fields are ignored so
// newer firmware payloads keep validating.
type sensorStateDoc struct {
	Value     *float64 `json:"value"`
	Timestamp string   `json:"timestamp"`
}

// ParseSensorPayload validates a raw message body and normalizes it into a
// SensorPayload. receivedAt is the broker receipt time, substituted (and
// flagged) when the device supplied no timestamp.
func ParseSensorPayload(raw []byte, receivedAt time.Time) (*SensorPayload, error) {
	var doc sensorStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadShape, err)
	}
	if doc.Value == nil {
		return nil, ErrMissingValue
	}
	value := *doc.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, ErrNonFiniteValue
	}

	if doc.Timestamp == "" {
		return &SensorPayload{
			Value:               value,
			Timestamp:           receivedAt.UTC(),
			TimestampFromBroker: true,
		}, nil
	}

	ts, err := time.Parse(time.RFC3339, doc.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimestamp, doc.Timestamp)
	}
	return &SensorPayload{Value: value, Timestamp: ts.UTC()}, nil
}
