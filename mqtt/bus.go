package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// busClient is the narrow broker surface the publisher drives. The paho
// client satisfies it in production; tests substitute a scripted fake.
type busClient interface {
	// Connect performs one connection attempt, blocking until it settles.
	Connect() error

	// Publish sends one message, blocking until acknowledged or timed out.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// Disconnect tears the connection down, waiting up to quiesce
	// milliseconds for in-flight work.
	Disconnect(quiesce uint)

	// IsConnected reports the transport state.
	IsConnected() bool
}

// pahoBus adapts paho.mqtt.golang to busClient. A fresh paho client is
// created per connection attempt because paho does not support reusing a
// client whose connection was lost with auto-reconnect disabled.
type pahoBus struct {
	opts   Options
	topics Topics
	onLost func(err error)

	mu     sync.Mutex
	client pahomqtt.Client
}

func newPahoBus(opts Options, topics Topics, onLost func(err error)) *pahoBus {
	return &pahoBus{opts: opts, topics: topics, onLost: onLost}
}

func (b *pahoBus) Connect() error {
	clientOpts := buildClientOptions(b.opts)
	configureLWT(clientOpts, b.topics, b.opts.QoS)
	clientOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.onLost(err)
	})

	client := pahomqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(b.opts.ConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, b.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *pahoBus) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(b.opts.PublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, b.opts.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (b *pahoBus) Disconnect(quiesce uint) {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(quiesce)
	}
}

func (b *pahoBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && b.client.IsConnected()
}
