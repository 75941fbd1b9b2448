// Package devices resolves external device identifiers (the codes carried in
// MQTT topics) to internal device records, creating records lazily on first
// sighting.
package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harvco/sensor-ingest/pkg/types"
)

// DeviceStore is the durable side of resolution. UpsertDevice must be an
// atomic insert-if-absent keyed on the external id's uniqueness constraint,
// safe to call concurrently for the same id.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, externalID string) (types.Device, error)
}

// Resolver maps external device ids to device records through a process-wide
// cache backed by the store. Cache entries never expire: devices are not
// renamed or removed within a process lifetime, and storage remains the
// source of truth for everything but the immutable surrogate id.
type Resolver struct {
	store  DeviceStore
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]types.Device
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store DeviceStore, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "DeviceResolver").Logger(),
		cache:  make(map[string]types.Device),
	}
}

// Resolve returns the device record for externalID, creating one in storage
// if none exists. Concurrent first sightings of the same new device race
// safely: the store's upsert guarantees a single row, and every caller gets
// the same internal id. Storage errors propagate and are retryable.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (types.Device, error) {
	r.mu.RLock()
	device, ok := r.cache[externalID]
	r.mu.RUnlock()
	if ok {
		return device, nil
	}

	device, err := r.store.UpsertDevice(ctx, externalID)
	if err != nil {
		return types.Device{}, fmt.Errorf("resolve device %q: %w", externalID, err)
	}

	r.mu.Lock()
	// Another worker may have resolved the same id concurrently; both hold
	// identical rows, so last write wins harmlessly.
	if _, known := r.cache[externalID]; !known {
		r.logger.Info().Str("device_id", externalID).Int64("internal_id", device.ID).Msg("Device resolved and cached")
	}
	r.cache[externalID] = device
	r.mu.Unlock()

	return device, nil
}

// CachedCount reports the number of devices currently cached.
func (r *Resolver) CachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
