package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvco/sensor-ingest/pkg/types"
)

func TestTopicParser_Parse(t *testing.T) {
	parser := NewTopicParser("harvco", "")

	testCases := []struct {
		name     string
		topic    string
		wantID   string
		wantType types.ReadingType
		wantErr  error
	}{
		{
			name:     "valid temperature topic",
			topic:    "harvco/dev123/sensor/temperature/state",
			wantID:   "dev123",
			wantType: types.ReadingTypeTemperature,
		},
		{
			name:     "valid humidity topic",
			topic:    "harvco/greenhouse-7/sensor/humidity/state",
			wantID:   "greenhouse-7",
			wantType: types.ReadingTypeHumidity,
		},
		{
			name:     "reading type is case insensitive",
			topic:    "harvco/dev123/sensor/Temperature/state",
			wantID:   "dev123",
			wantType: types.ReadingTypeTemperature,
		},
		{
			name:    "too few segments",
			topic:   "harvco/dev123/sensor/state",
			wantErr: ErrTopicShape,
		},
		{
			name:    "too many segments",
			topic:   "harvco/dev123/sensor/temperature/state/extra",
			wantErr: ErrTopicShape,
		},
		{
			name:    "wrong namespace",
			topic:   "other/dev123/sensor/temperature/state",
			wantErr: ErrTopicShape,
		},
		{
			name:    "wrong sensor literal",
			topic:   "harvco/dev123/actuator/temperature/state",
			wantErr: ErrTopicShape,
		},
		{
			name:    "wrong state literal",
			topic:   "harvco/dev123/sensor/temperature/config",
			wantErr: ErrTopicShape,
		},
		{
			name:    "unknown reading type",
			topic:   "harvco/dev123/sensor/pressure/state",
			wantErr: ErrUnknownReadingType,
		},
		{
			name:    "empty device id segment",
			topic:   "harvco//sensor/temperature/state",
			wantErr: ErrTopicShape,
		},
		{
			name:    "empty topic",
			topic:   "",
			wantErr: ErrTopicShape,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			identity, err := parser.Parse(tc.topic)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, identity.DeviceID)
			assert.Equal(t, tc.wantType, identity.ReadingType)
		})
	}
}

func TestTopicParser_DeviceIDPrefixStripping(t *testing.T) {
	parser := NewTopicParser("harvco", "harvco-temp-sensor-")

	identity, err := parser.Parse("harvco/harvco-temp-sensor-42/sensor/temperature/state")
	require.NoError(t, err)
	assert.Equal(t, "42", identity.DeviceID)

	// Ids without the prefix pass through untouched.
	identity, err = parser.Parse("harvco/plain-id/sensor/humidity/state")
	require.NoError(t, err)
	assert.Equal(t, "plain-id", identity.DeviceID)

	// A device id that is nothing but the prefix strips to empty and fails.
	_, err = parser.Parse("harvco/harvco-temp-sensor-/sensor/temperature/state")
	assert.ErrorIs(t, err, ErrTopicShape)
}

func TestTopicParser_DefaultNamespace(t *testing.T) {
	parser := NewTopicParser("", "")
	assert.Equal(t, "harvco/+/sensor/+/state", parser.SubscriptionTopic())

	identity, err := parser.Parse("harvco/dev1/sensor/humidity/state")
	require.NoError(t, err)
	assert.Equal(t, "dev1", identity.DeviceID)
}

func TestTopicParser_SubscriptionTopic(t *testing.T) {
	parser := NewTopicParser("acme", "")
	assert.Equal(t, "acme/+/sensor/+/state", parser.SubscriptionTopic())
}
