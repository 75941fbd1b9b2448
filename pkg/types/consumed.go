package types

import "time"

// ConsumedMessage represents a single message delivered by the MQTT broker.
// It contains the raw, unprocessed payload.
type ConsumedMessage struct {
	// Topic is the full broker topic the message was published under.
	Topic string
	// Payload is the raw byte content of the message.
	Payload []byte
	// Duplicate reports whether the broker flagged this delivery as a
	// QoS redelivery.
	Duplicate bool
	// ReceivedAt is the time this client received the message from the
	// broker. Used as a degraded-accuracy timestamp when the payload
	// carries none.
	ReceivedAt time.Time
	// Ack acknowledges the message to the broker. It must only be called
	// after the message has been fully persisted or definitively dropped.
	Ack func()
	// Nack records that processing failed and the message is being left
	// unacknowledged so the broker redelivers it.
	Nack func()
}
