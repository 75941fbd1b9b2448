package types

import (
	"fmt"
	"strings"
	"time"
)

// ReadingType is the closed set of sensor measurements the platform ingests.
type ReadingType string

const (
	ReadingTypeTemperature ReadingType = "temperature"
	ReadingTypeHumidity    ReadingType = "humidity"
)

// ParseReadingType canonicalizes a topic segment into a ReadingType.
// Matching is case-insensitive; anything outside the closed set is an error.
func ParseReadingType(s string) (ReadingType, error) {
	switch strings.ToLower(s) {
	case string(ReadingTypeTemperature):
		return ReadingTypeTemperature, nil
	case string(ReadingTypeHumidity):
		return ReadingTypeHumidity, nil
	default:
		return "", fmt.Errorf("unknown reading type %q", s)
	}
}

// Device is a provisioned sensor device as stored in the devices table.
// ExternalID is the hardware-assigned code carried in MQTT topics; ID is the
// surrogate key assigned on first sighting and used by Reading rows.
// Name and IsActive are owned by the API layer - ingestion never sets them
// after creation.
type Device struct {
	ID         int64
	ExternalID string
	Name       *string
	IsActive   bool
}

// Reading is a single validated measurement ready for persistence.
// The triple (DeviceID, Type, Timestamp) is the deduplication key.
type Reading struct {
	DeviceID  int64
	Type      ReadingType
	Value     float64
	Timestamp time.Time
}
