// Package mqttconsumer owns the broker subscription session: connect,
// reconnect with capped backoff, re-subscribe after reconnect, and manual
// message acknowledgment. It exposes deliveries as a bounded channel of
// types.ConsumedMessage whose Ack closures acknowledge the underlying Paho
// message only once the pipeline has finished with it.
package mqttconsumer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/harvco/sensor-ingest/pkg/types"
)

const subscribeQoS = 1 // at-least-once

// Consumer manages a single MQTT session and feeds received messages into a
// bounded intake channel. When workers fall behind and the channel fills, the
// message handler blocks, back-pressuring the Paho client's own buffering
// instead of growing memory without bound.
type Consumer struct {
	cfg        *ClientConfig
	pahoClient mqtt.Client
	logger     zerolog.Logger

	messages chan types.ConsumedMessage
	done     chan struct{}
	// closing is closed at the start of Stop so handlers blocked on a full
	// intake channel unblock before the channel itself is closed.
	closing chan struct{}

	handlerWG         sync.WaitGroup
	isShuttingDown    atomic.Bool
	restartPending    atomic.Bool
	closeClosingOnce  sync.Once
	closeMessagesOnce sync.Once
	closeDoneOnce     sync.Once
}

// New creates a Consumer with the given intake capacity.
func New(cfg *ClientConfig, queueCapacity int, logger zerolog.Logger) *Consumer {
	if queueCapacity <= 0 {
		queueCapacity = 100
	}
	return &Consumer{
		cfg:      cfg,
		logger:   logger.With().Str("component", "MQTTConsumer").Logger(),
		messages: make(chan types.ConsumedMessage, queueCapacity),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
}

// Messages returns the channel of received broker messages.
func (c *Consumer) Messages() <-chan types.ConsumedMessage {
	return c.messages
}

// Done returns a channel closed once the consumer has fully stopped and no
// more messages will be delivered.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// handleMessage is the Paho MessageHandler. It wraps the delivery in a
// ConsumedMessage carrying manual ack plumbing and pushes it to the intake
// channel. The send blocks when the channel is full; that is the
// backpressure point of the whole pipeline.
func (c *Consumer) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	c.handlerWG.Add(1)
	defer c.handlerWG.Done()

	if c.isShuttingDown.Load() {
		// Not acknowledged: the broker redelivers on session resume.
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Shutdown in progress, message left for redelivery")
		return
	}

	// Copy the payload in case Paho reuses the buffer.
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	topic := msg.Topic()
	consumed := types.ConsumedMessage{
		Topic:      topic,
		Payload:    payload,
		Duplicate:  msg.Duplicate(),
		ReceivedAt: time.Now().UTC(),
		Ack:        msg.Ack,
		Nack: func() {
			c.requestRedelivery(topic)
		},
	}

	select {
	case c.messages <- consumed:
	case <-c.closing:
		c.logger.Warn().Str("topic", topic).Msg("Shutdown in progress, message left for redelivery")
	}
}

// requestRedelivery handles a negative acknowledgment. The broker only
// retransmits unacked QoS 1 messages on session resume, so the session is
// bounced to make redelivery actually happen. Concurrent nacks during the
// same outage coalesce into a single restart.
func (c *Consumer) requestRedelivery(topic string) {
	c.logger.Warn().Str("topic", topic).Msg("Message left unacknowledged, scheduling session restart for redelivery")
	if !c.restartPending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.restartPending.Store(false)
		// Let other workers hitting the same outage finish nacking before
		// the session bounces once for all of them.
		time.Sleep(c.cfg.ReconnectWaitMin)
		c.restartSession()
	}()
}

// restartSession disconnects and reconnects the persistent session so the
// broker resends everything left unacknowledged. The OnConnect handler
// re-subscribes as on any reconnect.
func (c *Consumer) restartSession() {
	if c.pahoClient == nil || c.isShuttingDown.Load() {
		return
	}
	c.logger.Info().Msg("Restarting MQTT session to trigger broker redelivery")
	c.pahoClient.Disconnect(250)
	if c.isShuttingDown.Load() {
		return
	}
	if token := c.pahoClient.Connect(); token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Session restart connect failed, retrying continues in the background")
	}
}

// Start initializes the Paho client and begins connecting. Connection
// attempts never give up: both the initial connect and reconnects retry with
// backoff for the lifetime of the process, so Start only fails on
// configuration errors (e.g. unreadable TLS material).
func (c *Consumer) Start(_ context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.clientID())
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)

	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)

	// A persistent session plus manual acks is what makes unacknowledged
	// messages come back: QoS 1 deliveries stay in flight at the broker
	// until msg.Ack() runs after persistence.
	opts.SetCleanSession(false)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(false)

	// Never give up: this service has no upstream caller to report
	// permanent failure to.
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectWaitMin)

	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		c.logger.Info().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	if strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "tls://") ||
		strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		c.logger.Info().Msg("TLS configured for MQTT client.")
	}

	c.pahoClient = mqtt.NewClient(opts)
	c.logger.Info().Str("client_id", opts.ClientID).Msg("Paho MQTT client created. Connecting...")

	if token := c.pahoClient.Connect(); token.WaitTimeout(c.cfg.ConnectTimeout) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	} else {
		c.logger.Warn().Msg("Broker not reachable yet; connection attempts continue in the background")
	}
	return nil
}

// onConnect runs on every successful (re)connection and (re-)subscribes to
// the telemetry topic. Subscribing on the same session after a reconnect
// replaces the previous subscription, so no duplicates accumulate.
func (c *Consumer) onConnect(client mqtt.Client) {
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Str("topic", c.cfg.Topic).Msg("Connected to MQTT broker, subscribing")
	if token := client.Subscribe(c.cfg.Topic, subscribeQoS, c.handleMessage); token.Wait() && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", c.cfg.Topic).Msg("Failed to subscribe to MQTT topic")
	} else {
		c.logger.Info().Str("topic", c.cfg.Topic).Msg("Subscribed to MQTT topic")
	}
}

func (c *Consumer) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Error().Err(err).Msg("MQTT connection lost. Auto-reconnect will be attempted.")
}

// clientID returns the broker session identity. The persistent session
// holding unacknowledged messages is keyed by it, so it must be identical
// from one process run to the next.
func (c *Consumer) clientID() string {
	if c.cfg.ClientID != "" {
		return c.cfg.ClientID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "default"
	}
	return c.cfg.ClientIDPrefix + host
}

// Stop ceases message intake, disconnects the session, and closes the
// messages channel so downstream workers drain and exit. In-flight
// unacknowledged messages are intentionally left for broker redelivery.
func (c *Consumer) Stop() error {
	c.logger.Info().Msg("Stopping MQTT consumer...")
	c.isShuttingDown.Store(true)
	c.closeClosingOnce.Do(func() { close(c.closing) })
	// Handlers blocked on the intake channel take the closing branch; only
	// once none are left is it safe to close the channel itself.
	c.handlerWG.Wait()

	if c.pahoClient != nil && c.pahoClient.IsConnected() {
		// No unsubscribe: the subscription stays registered in the
		// persistent session so the broker redelivers unacknowledged
		// messages when the next run resumes it.
		c.pahoClient.Disconnect(500)
		c.logger.Info().Msg("MQTT client disconnected")
	}

	c.closeMessagesOnce.Do(func() { close(c.messages) })
	c.closeDoneOnce.Do(func() { close(c.done) })
	c.logger.Info().Msg("MQTT consumer stopped")
	return nil
}

// newTLSConfig builds the TLS configuration from the optional CA and client
// certificate files.
func newTLSConfig(cfg *ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
