package mqttconsumer

import (
	"errors"
	"os"
	"time"
)

// ClientConfig holds MQTT broker connection settings.
type ClientConfig struct {
	BrokerURL string // e.g., "tcp://broker.example.com:1883" or "tls://...:8883"
	Topic     string // wildcard subscription pattern
	// ClientID is the session identity at the broker. It must stay stable
	// across process restarts: the persistent session holding unacknowledged
	// messages is keyed by it. When empty, ClientIDPrefix plus the hostname
	// is used, which is stable per instance.
	ClientID           string
	ClientIDPrefix     string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	ReconnectWaitMin   time.Duration
	ReconnectWaitMax   time.Duration
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// LoadClientConfigFromEnv loads MQTT client configuration from environment
// variables. The subscription topic is left to the caller when MQTT_TOPIC is
// unset, since it is normally derived from the topic namespace.
func LoadClientConfigFromEnv() (*ClientConfig, error) {
	cfg := &ClientConfig{
		BrokerURL:        os.Getenv("MQTT_BROKER_URL"),
		Topic:            os.Getenv("MQTT_TOPIC"),
		ClientID:         os.Getenv("MQTT_CLIENT_ID"),
		ClientIDPrefix:   os.Getenv("MQTT_CLIENT_ID_PREFIX"),
		Username:         os.Getenv("MQTT_USERNAME"),
		Password:         os.Getenv("MQTT_PASSWORD"),
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMin: 1 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
		CACertFile:       os.Getenv("MQTT_CA_CERT_FILE"),
		ClientCertFile:   os.Getenv("MQTT_CLIENT_CERT_FILE"),
		ClientKeyFile:    os.Getenv("MQTT_CLIENT_KEY_FILE"),
	}
	if os.Getenv("MQTT_INSECURE_SKIP_VERIFY") == "true" {
		cfg.InsecureSkipVerify = true
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("MQTT_BROKER_URL environment variable not set")
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "sensor-ingest-"
	}
	if ka := os.Getenv("MQTT_KEEP_ALIVE_SECONDS"); ka != "" {
		if d, err := time.ParseDuration(ka + "s"); err == nil {
			cfg.KeepAlive = d
		}
	}
	if ct := os.Getenv("MQTT_CONNECT_TIMEOUT_SECONDS"); ct != "" {
		if d, err := time.ParseDuration(ct + "s"); err == nil {
			cfg.ConnectTimeout = d
		}
	}
	return cfg, nil
}
