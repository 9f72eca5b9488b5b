package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for one connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Reconnect backoff defaults.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// Options configures the publisher's broker connection and topic layout.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	TLS      bool

	// TopicPrefix roots the state, availability and discovery topics
	// (e.g., "homeassistant/sensor/nfc_reader" publishes state to
	// homeassistant/sensor/nfc_reader/state).
	TopicPrefix string

	// DisableDiscovery suppresses the Home Assistant discovery config
	// publication for brokers without Home Assistant attached.
	DisableDiscovery bool

	// QoS applies to every publication.
	QoS byte

	// InitialDelay and MaxDelay bound the reconnect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
}

// Validate reports configuration errors that would make every publish fail.
func (o Options) Validate() error {
	if o.TopicPrefix == "" {
		return ErrInvalidTopic
	}
	if o.QoS > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// Topics derives the publisher's topic layout from its configured prefix.
type Topics struct {
	Prefix string
}

// State is the retained presence state topic.
func (t Topics) State() string {
	return t.Prefix + "/state"
}

// Availability is the retained online/offline topic, also used as the LWT
// target.
func (t Topics) Availability() string {
	return t.Prefix + "/availability"
}

// DiscoveryConfig is the retained Home Assistant discovery topic.
func (t Topics) DiscoveryConfig() string {
	return t.Prefix + "/config"
}

// buildClientOptions creates paho MQTT options from publisher options.
//
// Auto-reconnect is deliberately disabled: the publisher owns the reconnect
// loop so that connection state, backoff and republication stay observable
// and testable in one place.
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port))

	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if o.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT sets up Last Will and Testament so the broker flips the
// retained availability topic to offline if the process dies without a
// graceful shutdown.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, qos byte) {
	opts.SetWill(topics.Availability(), payloadOffline, qos, true)
}
