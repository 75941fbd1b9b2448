// Package ingest contains the telemetry pipeline: topic parsing, payload
// validation, and the worker pool that turns broker messages into persisted
// readings.
package ingest

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvco/sensor-ingest/pkg/types"
)

// MessageConsumer is the pipeline's view of the broker connection manager.
type MessageConsumer interface {
	// Messages returns the channel of received messages. It is closed by
	// Stop once no further deliveries will arrive.
	Messages() <-chan types.ConsumedMessage
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
}

// DeviceResolver maps external device ids to device records.
type DeviceResolver interface {
	Resolve(ctx context.Context, externalID string) (types.Device, error)
}

// ReadingPersister writes validated readings durably. InsertReading reports
// inserted=false for a dedup-key conflict, which the pipeline treats as
// success.
type ReadingPersister interface {
	InsertReading(ctx context.Context, reading *types.Reading) (bool, error)
}

// ServiceConfig tunes the pipeline worker pool and its retry policy.
type ServiceConfig struct {
	NumWorkers int
	// RetryAttempts bounds in-process retries of transient storage failures
	// before the message is left for broker redelivery.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// DefaultServiceConfig provides sensible defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		NumWorkers:    5,
		RetryAttempts: 3,
		RetryBackoff:  250 * time.Millisecond,
	}
}

// LoadServiceConfigFromEnv loads worker pool settings from the environment,
// falling back to defaults for anything unset or unparseable.
func LoadServiceConfigFromEnv() *ServiceConfig {
	cfg := DefaultServiceConfig()
	if v := os.Getenv("INGEST_NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NumWorkers = n
		}
	}
	if v := os.Getenv("INGEST_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetryAttempts = n
		}
	}
	if v := os.Getenv("INGEST_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RetryBackoff = d
		}
	}
	return cfg
}

// Service coordinates the pipeline: it consumes messages from the broker,
// fans them out to a fixed pool of workers, and applies the
// parse -> validate -> resolve -> persist -> ack sequence to each one.
type Service struct {
	cfg       *ServiceConfig
	parser    TopicParser
	consumer  MessageConsumer
	resolver  DeviceResolver
	persister ReadingPersister
	logger    zerolog.Logger

	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewService creates the pipeline coordinator.
func NewService(
	cfg *ServiceConfig,
	parser TopicParser,
	consumer MessageConsumer,
	resolver DeviceResolver,
	persister ReadingPersister,
	logger zerolog.Logger,
) *Service {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &Service{
		cfg:          cfg,
		parser:       parser,
		consumer:     consumer,
		resolver:     resolver,
		persister:    persister,
		logger:       logger.With().Str("component", "IngestionService").Logger(),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Start launches the worker pool and then the broker consumer, so that
// messages are never delivered before anyone is ready to process them.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Int("workers", s.cfg.NumWorkers).Msg("Starting ingestion service...")

	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if err := s.consumer.Start(ctx); err != nil {
		s.shutdownFunc()
		return err
	}

	s.logger.Info().Msg("Ingestion service started")
	return nil
}

// Stop gracefully shuts the pipeline down: the consumer stops intake and
// closes its channel, the workers drain whatever is still queued, and only
// then is the shutdown context cancelled.
func (s *Service) Stop() {
	s.logger.Info().Msg("Stopping ingestion service...")

	if err := s.consumer.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("Error stopping message consumer")
	}
	<-s.consumer.Done()

	s.wg.Wait()
	s.shutdownFunc()
	s.logger.Info().Msg("Ingestion service stopped")
}

// worker drains the consumer's channel until it closes.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	logger := s.logger.With().Int("worker_id", id).Logger()
	logger.Debug().Msg("Pipeline worker started")

	for msg := range s.consumer.Messages() {
		s.processMessage(&logger, msg)
	}
	logger.Debug().Msg("Pipeline worker finished")
}

// processMessage applies the full pipeline to one delivery. Invalid messages
// are acknowledged and dropped; transient failures are retried and, on
// exhaustion, left unacknowledged for broker redelivery.
func (s *Service) processMessage(logger *zerolog.Logger, msg types.ConsumedMessage) {
	identity, err := s.parser.Parse(msg.Topic)
	if err != nil {
		logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping message with unparseable topic")
		msg.Ack()
		return
	}

	payload, err := ParseSensorPayload(msg.Payload, msg.ReceivedAt)
	if err != nil {
		logger.Warn().Err(err).
			Str("topic", msg.Topic).
			Str("device_id", identity.DeviceID).
			Msg("Dropping message with invalid payload")
		msg.Ack()
		return
	}
	if payload.TimestampFromBroker {
		logger.Debug().Str("device_id", identity.DeviceID).Msg("Payload carried no timestamp, using broker receipt time")
	}

	device, err := s.resolveWithRetry(logger, identity.DeviceID)
	if err != nil {
		logger.Error().Err(err).
			Str("device_id", identity.DeviceID).
			Msg("Device resolution failed after retries, leaving message for redelivery")
		msg.Nack()
		return
	}

	reading := &types.Reading{
		DeviceID:  device.ID,
		Type:      identity.ReadingType,
		Value:     payload.Value,
		Timestamp: payload.Timestamp,
	}

	inserted, err := s.insertWithRetry(logger, reading)
	if err != nil {
		logger.Error().Err(err).
			Str("device_id", identity.DeviceID).
			Str("reading_type", string(identity.ReadingType)).
			Msg("Reading persistence failed after retries, leaving message for redelivery")
		msg.Nack()
		return
	}
	if !inserted {
		logger.Debug().
			Str("device_id", identity.DeviceID).
			Str("reading_type", string(identity.ReadingType)).
			Time("timestamp", reading.Timestamp).
			Msg("Duplicate reading skipped")
	}

	msg.Ack()
}

func (s *Service) resolveWithRetry(logger *zerolog.Logger, externalID string) (types.Device, error) {
	var device types.Device
	err := s.withRetry(logger, "resolve device", func() error {
		var err error
		device, err = s.resolver.Resolve(s.shutdownCtx, externalID)
		return err
	})
	return device, err
}

func (s *Service) insertWithRetry(logger *zerolog.Logger, reading *types.Reading) (bool, error) {
	var inserted bool
	err := s.withRetry(logger, "insert reading", func() error {
		var err error
		inserted, err = s.persister.InsertReading(s.shutdownCtx, reading)
		return err
	})
	return inserted, err
}

// withRetry runs op up to RetryAttempts times with doubling backoff. The
// bound is deliberately small: the broker's redelivery is the durable retry
// mechanism, in-process retries only smooth over brief storage hiccups.
func (s *Service) withRetry(logger *zerolog.Logger, opName string, op func() error) error {
	backoff := s.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if attempt == s.cfg.RetryAttempts {
			break
		}

		logger.Warn().Err(lastErr).
			Str("operation", opName).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Transient failure, retrying")

		select {
		case <-time.After(backoff):
		case <-s.shutdownCtx.Done():
			return s.shutdownCtx.Err()
		}
		backoff *= 2
	}
	return lastErr
}
