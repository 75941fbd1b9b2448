package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harvco/sensor-ingest/pkg/types"
)

// ErrTopicShape is returned for any topic that does not match the
// <namespace>/<device-id>/sensor/<reading-type>/state pattern.
var ErrTopicShape = errors.New("topic does not match telemetry pattern")

// ErrUnknownReadingType is returned when the reading-type segment is outside
// the closed temperature/humidity set.
var ErrUnknownReadingType = errors.New("unknown reading type in topic")

const (
	topicSegments    = 5
	sensorSegment    = "sensor"
	stateSegment     = "state"
	DefaultNamespace = "harvco"
)

// TopicIdentity is the structured identity extracted from a telemetry topic.
type TopicIdentity struct {
	DeviceID    string
	ReadingType types.ReadingType
}

// TopicParser maps broker topic strings onto device identities. It is a pure
// function of its configuration; parse failures are permanent drops, never
// fatal to the pipeline.
type TopicParser struct {
	namespace      string
	deviceIDPrefix string
}

// NewTopicParser creates a parser for the given topic namespace.
// deviceIDPrefix is an optional hardware-assigned prefix (e.g. a product code
// baked into firmware) stripped from the device-id segment; leave it empty to
// use the bare segment as the external id.
func NewTopicParser(namespace, deviceIDPrefix string) TopicParser {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return TopicParser{namespace: namespace, deviceIDPrefix: deviceIDPrefix}
}

// SubscriptionTopic returns the wildcard pattern covering all devices and
// reading types in this parser's namespace.
func (p TopicParser) SubscriptionTopic() string {
	return p.namespace + "/+/" + sensorSegment + "/+/" + stateSegment
}

// Parse extracts the device identity from a topic string.
func (p TopicParser) Parse(topic string) (TopicIdentity, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != topicSegments {
		return TopicIdentity{}, fmt.Errorf("%w: %q has %d segments", ErrTopicShape, topic, len(parts))
	}
	if parts[0] != p.namespace || parts[2] != sensorSegment || parts[4] != stateSegment {
		return TopicIdentity{}, fmt.Errorf("%w: %q", ErrTopicShape, topic)
	}

	deviceID := strings.TrimPrefix(parts[1], p.deviceIDPrefix)
	if deviceID == "" {
		return TopicIdentity{}, fmt.Errorf("%w: empty device id in %q", ErrTopicShape, topic)
	}

	readingType, err := types.ParseReadingType(parts[3])
	if err != nil {
		return TopicIdentity{}, fmt.Errorf("%w: %q", ErrUnknownReadingType, parts[3])
	}

	return TopicIdentity{DeviceID: deviceID, ReadingType: readingType}, nil
}
