// Package mqtt publishes the retained presence and availability documents
// to an MQTT broker and keeps them correct across broker outages.
//
// The publisher owns its reconnect loop instead of relying on the paho
// client's auto-reconnect: connection state, backoff timing and the
// republication of retained documents after an outage all stay in one
// observable place. Presence updates are latest-wins; while the broker is
// unreachable only the newest state is kept and published on reconnect.
package mqtt

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/dotside-studios/tagbridge/clock"
	"github.com/dotside-studios/tagbridge/nfc"
)

// ConnectionState describes where the publisher's connection loop currently is.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Publisher maintains the broker connection and the retained state,
// availability and discovery documents.
type Publisher struct {
	opts   Options
	topics Topics
	bus    busClient
	clk    clock.Clock

	stateCh  chan *nfc.Tag
	availCh  chan bool
	lostCh   chan error
	statusCh chan ConnectionState

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu        sync.Mutex
	connState ConnectionState
	lastTag   *nfc.Tag
	available bool
}

// NewPublisher creates a Publisher for the given broker options. It does
// not connect; call Start.
func NewPublisher(opts Options, clk clock.Clock) (*Publisher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	p := newPublisher(opts, clk, nil)
	p.bus = newPahoBus(opts, p.topics, p.connectionLost)
	return p, nil
}

// newPublisher wires a Publisher around an arbitrary bus. Tests use it to
// substitute a scripted broker.
func newPublisher(opts Options, clk clock.Clock, bus busClient) *Publisher {
	opts.applyDefaults()
	return &Publisher{
		opts:      opts,
		topics:    Topics{Prefix: opts.TopicPrefix},
		bus:       bus,
		clk:       clk,
		stateCh:   make(chan *nfc.Tag, 1),
		availCh:   make(chan bool, 1),
		lostCh:    make(chan error, 1),
		statusCh:  make(chan ConnectionState, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		available: true,
	}
}

// Start launches the connection loop.
func (p *Publisher) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// OfferState hands the publisher a new presence snapshot; nil means no tag
// present. Never blocks. Stale undelivered snapshots are replaced.
func (p *Publisher) OfferState(tag *nfc.Tag) {
	offer(p.stateCh, tag)
}

// OfferAvailability hands the publisher the current reader availability.
// Never blocks; latest wins.
func (p *Publisher) OfferAvailability(online bool) {
	offer(p.availCh, online)
}

// StatusUpdates exposes connection state changes, latest-wins. Intended for
// the status server; slow consumers never block the loop.
func (p *Publisher) StatusUpdates() <-chan ConnectionState {
	return p.statusCh
}

// Status returns the current connection state.
func (p *Publisher) Status() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

// Stop shuts the loop down and, when still connected, publishes a retained
// offline availability so consumers are not left waiting for the LWT. The
// context bounds the shutdown grace period. Subsequent calls return
// ErrStopped.
func (p *Publisher) Stop(ctx context.Context) error {
	err := ErrStopped
	p.stopOnce.Do(func() {
		err = nil
		close(p.stopCh)
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if p.bus.IsConnected() {
			if perr := p.bus.Publish(p.topics.Availability(), p.opts.QoS, true, []byte(payloadOffline)); perr != nil {
				log.Warnf("Farewell availability publish failed: %v", perr)
			}
		}
		p.bus.Disconnect(defaultDisconnectQuiesce)
	})
	return err
}

func (p *Publisher) run() {
	defer close(p.doneCh)

	bo := p.newBackoff()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		// A lost event from a previous connection must not kill the next one.
		select {
		case <-p.lostCh:
		default:
		}

		p.setStatus(StateConnecting)
		if err := p.bus.Connect(); err != nil {
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				delay = p.opts.MaxDelay
			}
			p.setStatus(StateBackoff)
			log.Warnf("MQTT connect failed, retrying in %s: %v", delay, err)
			select {
			case <-p.stopCh:
				return
			case <-p.clk.After(delay):
			}
			continue
		}

		// Stop's grace period may have expired while Connect was still in
		// flight. Never publish over the farewell offline.
		select {
		case <-p.stopCh:
			p.bus.Disconnect(0)
			return
		default:
		}

		bo.Reset()
		p.setStatus(StateConnected)
		log.Infof("Connected to MQTT broker %s:%d", p.opts.Host, p.opts.Port)

		if err := p.publishSnapshot(); err != nil {
			p.dropConnection(err)
			continue
		}
		if !p.serveConnected() {
			return
		}
	}
}

// serveConnected handles offers until the connection drops or the publisher
// stops. It returns false only on stop.
func (p *Publisher) serveConnected() bool {
	for {
		select {
		case <-p.stopCh:
			return false

		case err := <-p.lostCh:
			log.Warnf("MQTT connection lost: %v", err)
			p.setStatus(StateDisconnected)
			return true

		case tag := <-p.stateCh:
			p.mu.Lock()
			p.lastTag = tag
			p.mu.Unlock()
			if err := p.publishState(tag); err != nil {
				p.dropConnection(err)
				return true
			}

		case online := <-p.availCh:
			p.mu.Lock()
			p.available = online
			p.mu.Unlock()
			if err := p.publishAvailability(online); err != nil {
				p.dropConnection(err)
				return true
			}
		}
	}
}

// publishSnapshot re-establishes every retained document after a (re)connect:
// discovery config, availability, then the last known presence state.
func (p *Publisher) publishSnapshot() error {
	p.mu.Lock()
	tag := p.lastTag
	available := p.available
	p.mu.Unlock()

	// Drain offers that arrived while disconnected; the snapshot already
	// carries the newest values.
	select {
	case tag = <-p.stateCh:
		p.mu.Lock()
		p.lastTag = tag
		p.mu.Unlock()
	default:
	}
	select {
	case available = <-p.availCh:
		p.mu.Lock()
		p.available = available
		p.mu.Unlock()
	default:
	}

	if err := p.publishDiscovery(); err != nil {
		return err
	}
	if err := p.publishAvailability(available); err != nil {
		return err
	}
	return p.publishState(tag)
}

func (p *Publisher) publishState(tag *nfc.Tag) error {
	payload, err := buildStatePayload(tag, p.clk.Now())
	if err != nil {
		return err
	}
	return p.bus.Publish(p.topics.State(), p.opts.QoS, true, payload)
}

func (p *Publisher) publishAvailability(online bool) error {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	return p.bus.Publish(p.topics.Availability(), p.opts.QoS, true, []byte(payload))
}

func (p *Publisher) publishDiscovery() error {
	if p.opts.DisableDiscovery {
		return nil
	}
	payload, err := buildDiscoveryPayload(p.opts.ClientID, p.topics)
	if err != nil {
		return err
	}
	return p.bus.Publish(p.topics.DiscoveryConfig(), p.opts.QoS, true, payload)
}

func (p *Publisher) dropConnection(err error) {
	log.Warnf("MQTT publish failed, reconnecting: %v", err)
	p.bus.Disconnect(0)
	p.setStatus(StateDisconnected)
}

func (p *Publisher) connectionLost(err error) {
	offer(p.lostCh, err)
}

func (p *Publisher) setStatus(state ConnectionState) {
	p.mu.Lock()
	p.connState = state
	p.mu.Unlock()
	offer(p.statusCh, state)
}

func (p *Publisher) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.InitialDelay
	bo.MaxInterval = p.opts.MaxDelay
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Clock = p.clk
	bo.Reset()
	return bo
}

// offer delivers latest-wins on a single-slot channel without ever blocking
// the sender.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
