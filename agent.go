package main

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dotside-studios/tagbridge/clock"
	"github.com/dotside-studios/tagbridge/config"
	"github.com/dotside-studios/tagbridge/mqtt"
	"github.com/dotside-studios/tagbridge/nfc"
	"github.com/dotside-studios/tagbridge/presence"
	"github.com/dotside-studios/tagbridge/server"
)

// presencePublisher is the publisher surface the agent drives. Satisfied by
// *mqtt.Publisher; tests substitute a recorder.
type presencePublisher interface {
	Start()
	OfferState(tag *nfc.Tag)
	OfferAvailability(online bool)
	StatusUpdates() <-chan mqtt.ConnectionState
	Stop(ctx context.Context) error
}

// Agent wires the poll loop together: one reader sample per tick feeds the
// presence tracker, and confirmed transitions fan out to the MQTT publisher
// and the status server.
type Agent struct {
	cfg       *config.Config
	clk       clock.Clock
	manager   nfc.Manager
	poller    *nfc.Poller
	tracker   *presence.Tracker
	publisher presencePublisher
	server    *server.Server

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewAgent builds a production agent from the configuration.
func NewAgent(cfg *config.Config, clk clock.Clock) (*Agent, error) {
	manager, err := nfc.NewManager(cfg.Reader.Backend)
	if err != nil {
		return nil, err
	}

	publisher, err := mqtt.NewPublisher(mqtt.Options{
		Host:             cfg.MQTT.Host,
		Port:             cfg.MQTT.Port,
		Username:         cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		ClientID:         cfg.MQTT.ClientID,
		TLS:              cfg.MQTT.TLS,
		TopicPrefix:      cfg.MQTT.TopicPrefix,
		QoS:              byte(cfg.MQTT.QoS),
		DisableDiscovery: cfg.MQTT.DisableDiscovery,
		InitialDelay:     cfg.GetReconnectInitialDelay(),
		MaxDelay:         cfg.GetReconnectMaxDelay(),
	}, clk)
	if err != nil {
		manager.Close()
		return nil, err
	}

	var statusServer *server.Server
	if cfg.Server.Enabled {
		statusServer = server.New(server.Config{
			Port: cfg.Server.Port,
			MDNS: cfg.Server.MDNS,
		})
	}

	return newAgent(cfg, clk, manager, publisher, statusServer), nil
}

// newAgent assembles an agent from explicit collaborators.
func newAgent(cfg *config.Config, clk clock.Clock, manager nfc.Manager, publisher presencePublisher, statusServer *server.Server) *Agent {
	return &Agent{
		cfg:     cfg,
		clk:     clk,
		manager: manager,
		poller:  nfc.NewPoller(manager, cfg.Reader.Device, cfg.GetOperationTimeout()),
		tracker: presence.NewTracker(presence.Config{
			AbsentDebounce:       cfg.Reader.AbsentDebounce,
			DecodeRetryLimit:     cfg.Reader.DecodeRetryLimit,
			UnavailableThreshold: cfg.Reader.UnavailableThreshold,
		}),
		publisher: publisher,
		server:    statusServer,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the publisher, the status server and the poll loop.
func (a *Agent) Start() error {
	a.publisher.Start()

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return err
		}
		go a.watchBrokerStatus()
	}

	go a.run()
	return nil
}

// Stop shuts everything down in order: the poll loop first so no new
// transitions are produced, then the publisher with its farewell publish,
// then the status server and the reader backend.
func (a *Agent) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		select {
		case <-a.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if perr := a.publisher.Stop(ctx); perr != nil && err == nil {
			err = perr
		}
		if a.server != nil {
			if serr := a.server.Stop(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		if cerr := a.manager.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (a *Agent) run() {
	defer close(a.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.stopCh
		cancel()
	}()

	ticker := a.clk.NewTicker(a.cfg.GetPollInterval())
	defer ticker.Stop()

	log.Infof("Polling %s reader every %s", a.cfg.Reader.Backend, a.cfg.GetPollInterval())

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C():
			sample := a.poller.Poll(ctx)
			for _, transition := range a.tracker.Observe(sample) {
				a.dispatch(transition)
			}
		}
	}
}

// dispatch fans one confirmed transition out to the consumers.
func (a *Agent) dispatch(transition presence.Transition) {
	switch transition.Kind {
	case presence.KindPresence:
		a.publisher.OfferState(transition.State.Tag)
		if a.server != nil {
			a.server.SetPresence(transition.State.Tag)
		}
	case presence.KindReaderOffline:
		a.publisher.OfferAvailability(false)
		if a.server != nil {
			a.server.SetReaderOnline(false)
		}
	case presence.KindReaderOnline:
		a.publisher.OfferAvailability(true)
		if a.server != nil {
			a.server.SetReaderOnline(true)
		}
	}
}

// watchBrokerStatus mirrors the publisher's connection state into the
// status server.
func (a *Agent) watchBrokerStatus() {
	for {
		select {
		case <-a.stopCh:
			return
		case state := <-a.publisher.StatusUpdates():
			a.server.SetBrokerState(state.String())
		}
	}
}
