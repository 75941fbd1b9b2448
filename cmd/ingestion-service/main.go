package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harvco/sensor-ingest/pkg/devices"
	"github.com/harvco/sensor-ingest/pkg/ingest"
	"github.com/harvco/sensor-ingest/pkg/mqttconsumer"
	"github.com/harvco/sensor-ingest/pkg/storage"
)

func main() {
	// .env is a local development convenience; absence is not an error.
	_ = godotenv.Load()

	logLevelStr := os.Getenv("LOG_LEVEL")
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	level, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		log.Warn().Str("level_str", logLevelStr).Msg("Invalid LOG_LEVEL, defaulting to info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Msg("Starting sensor ingestion service...")

	mqttCfg, err := mqttconsumer.LoadClientConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load MQTT configuration")
	}
	storageCfg, err := storage.LoadConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load storage configuration")
	}
	serviceCfg := ingest.LoadServiceConfigFromEnv()

	parser := ingest.NewTopicParser(os.Getenv("MQTT_TOPIC_NAMESPACE"), os.Getenv("MQTT_DEVICE_ID_PREFIX"))
	if mqttCfg.Topic == "" {
		mqttCfg.Topic = parser.SubscriptionTopic()
	}

	httpPort := os.Getenv("HTTP_PORT")
	if httpPort == "" {
		httpPort = "8080"
	}

	queueCapacity := 100
	if v := os.Getenv("INGEST_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			queueCapacity = n
		}
	}

	ctx := context.Background()

	store, err := storage.NewStore(ctx, storageCfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer store.Close()

	resolver := devices.NewResolver(store, log.Logger)
	consumer := mqttconsumer.New(mqttCfg, queueCapacity, log.Logger)
	service := ingest.NewService(serviceCfg, parser, consumer, resolver, store, log.Logger)
	server := ingest.NewServer(":"+httpPort, service, store, log.Logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("Server exited with error")
		}
	}

	server.Shutdown()
	log.Info().Msg("Sensor ingestion service shut down gracefully.")
}
