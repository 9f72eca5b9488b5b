package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/tagbridge/clock"
	"github.com/dotside-studios/tagbridge/nfc"
)

const eventTimeout = 2 * time.Second

type publishRecord struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeBus is a scripted broker connection. Connect and Publish outcomes are
// controlled per call; every action is reported on the events channel so
// tests can synchronize with the publisher's loop.
type fakeBus struct {
	mu        sync.Mutex
	connectFn func(attempt int) error
	publishFn func(rec publishRecord) error
	lost      func(err error)

	connected   bool
	attempts    int
	published   []publishRecord
	disconnects int

	events chan string
}

func newFakeBus() *fakeBus {
	return &fakeBus{events: make(chan string, 128)}
}

func (b *fakeBus) Connect() error {
	b.mu.Lock()
	b.attempts++
	attempt := b.attempts
	fn := b.connectFn
	b.mu.Unlock()

	if fn != nil {
		if err := fn(attempt); err != nil {
			b.events <- "connect-failed"
			return err
		}
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.events <- "connect"
	return nil
}

func (b *fakeBus) Publish(topic string, qos byte, retained bool, payload []byte) error {
	rec := publishRecord{topic: topic, qos: qos, retained: retained,
		payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	fn := b.publishFn
	b.mu.Unlock()

	if fn != nil {
		if err := fn(rec); err != nil {
			b.events <- "publish-failed"
			return err
		}
	}

	b.mu.Lock()
	b.published = append(b.published, rec)
	b.mu.Unlock()
	b.events <- "publish:" + topic
	return nil
}

func (b *fakeBus) Disconnect(quiesce uint) {
	b.mu.Lock()
	b.connected = false
	b.disconnects++
	b.mu.Unlock()
	b.events <- "disconnect"
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) publishedTo(topic string) []publishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishRecord
	for _, rec := range b.published {
		if rec.topic == topic {
			out = append(out, rec)
		}
	}
	return out
}

func (b *fakeBus) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *fakeBus) disconnectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

func expectEvent(t *testing.T, bus *fakeBus, want string) {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case got := <-bus.events:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

func waitForWaiter(t *testing.T, fc *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for fc.PendingWaiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the backoff timer")
		}
		time.Sleep(time.Millisecond)
	}
}

func testOptions() Options {
	return Options{
		Host:         "localhost",
		Port:         1883,
		ClientID:     "tagbridge_test",
		TopicPrefix:  "homeassistant/sensor/nfc_test",
		QoS:          1,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}
}

func startPublisher(t *testing.T, opts Options) (*Publisher, *fakeBus, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))
	bus := newFakeBus()
	p := newPublisher(opts, fc, bus)
	bus.lost = p.connectionLost
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		p.Stop(ctx)
	})
	return p, bus, fc
}

func decodeState(t *testing.T, rec publishRecord) StatePayload {
	t.Helper()
	var state StatePayload
	if err := json.Unmarshal(rec.payload, &state); err != nil {
		t.Fatalf("state payload %s does not decode: %v", rec.payload, err)
	}
	return state
}

func TestPublisherSnapshotOnConnect(t *testing.T) {
	p, bus, _ := startPublisher(t, testOptions())
	topics := p.topics

	p.Start()
	expectEvent(t, bus, "publish:"+topics.State())

	// Retained documents go out in discovery, availability, state order.
	bus.mu.Lock()
	order := make([]string, len(bus.published))
	for i, rec := range bus.published {
		order[i] = rec.topic
		if !rec.retained {
			t.Errorf("publish to %s not retained", rec.topic)
		}
		if rec.qos != 1 {
			t.Errorf("publish to %s qos = %d, want 1", rec.topic, rec.qos)
		}
	}
	bus.mu.Unlock()

	want := []string{topics.DiscoveryConfig(), topics.Availability(), topics.State()}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("publish order = %v, want %v", order, want)
	}

	state := decodeState(t, bus.publishedTo(topics.State())[0])
	if state.Present || state.TagID != nil {
		t.Errorf("initial state = %+v, want absent with null tag_id", state)
	}

	avail := bus.publishedTo(topics.Availability())
	if string(avail[0].payload) != "online" {
		t.Errorf("availability = %q, want online", avail[0].payload)
	}
}

func TestPublisherPublishesPresence(t *testing.T) {
	p, bus, _ := startPublisher(t, testOptions())
	p.Start()
	expectEvent(t, bus, "publish:"+p.topics.State())

	tag := &nfc.Tag{UID: "04AABB", Records: []nfc.Record{
		{Type: "T", Payload: []byte{0x02, 'e', 'n', 'h', 'i'}},
	}}
	p.OfferState(tag)
	expectEvent(t, bus, "publish:"+p.topics.State())

	states := bus.publishedTo(p.topics.State())
	state := decodeState(t, states[len(states)-1])
	if !state.Present || state.TagID == nil || *state.TagID != "04AABB" {
		t.Fatalf("state = %+v, want present 04AABB", state)
	}
	if len(state.Records) != 1 || state.Records[0].Text != "hi" {
		t.Errorf("records = %+v, want single text record %q", state.Records, "hi")
	}
}

func TestPublisherCoalescesWhileDisconnected(t *testing.T) {
	opts := testOptions()
	bus := newFakeBus()
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))
	p := newPublisher(opts, fc, bus)
	bus.lost = p.connectionLost

	// Keep the first attempts failing while states pile up.
	bus.connectFn = func(attempt int) error {
		if attempt == 1 {
			return errors.New("connection refused")
		}
		return nil
	}

	p.Start()
	expectEvent(t, bus, "connect-failed")

	p.OfferState(&nfc.Tag{UID: "04OLD"})
	p.OfferState(nil)
	p.OfferState(&nfc.Tag{UID: "04NEW"})

	waitForWaiter(t, fc)
	fc.Advance(opts.InitialDelay + opts.InitialDelay/2)
	expectEvent(t, bus, "publish:"+p.topics.State())

	// Only the newest snapshot survives the outage.
	states := bus.publishedTo(p.topics.State())
	if len(states) != 1 {
		t.Fatalf("state publishes = %d, want 1 coalesced", len(states))
	}
	state := decodeState(t, states[0])
	if state.TagID == nil || *state.TagID != "04NEW" {
		t.Errorf("state = %+v, want latest tag 04NEW", state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	p.Stop(ctx)
}

func TestPublisherBackoffGrowsAndResets(t *testing.T) {
	opts := testOptions()
	bus := newFakeBus()
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))
	p := newPublisher(opts, fc, bus)
	bus.lost = p.connectionLost

	// Attempts 1, 2 and 4 fail; 3 and 5 succeed.
	bus.connectFn = func(attempt int) error {
		if attempt <= 2 || attempt == 4 {
			return errors.New("connection refused")
		}
		return nil
	}

	p.Start()
	expectEvent(t, bus, "connect-failed")

	// First retry delay is at most 1.2x the initial delay.
	waitForWaiter(t, fc)
	fc.Advance(opts.InitialDelay * 12 / 10)
	expectEvent(t, bus, "connect-failed")

	// Second delay has doubled; 1.2x the initial delay must not fire it.
	waitForWaiter(t, fc)
	fc.Advance(opts.InitialDelay * 12 / 10)
	if fc.PendingWaiters() == 0 {
		t.Fatal("second backoff delay fired as early as the first")
	}
	fc.Advance(opts.InitialDelay * 2)
	expectEvent(t, bus, "connect")

	// A successful connection resets the backoff: after the next drop the
	// first delay is again at most 1.2x the initial delay.
	bus.lost(errors.New("broken pipe"))
	expectEvent(t, bus, "connect-failed")
	waitForWaiter(t, fc)
	fc.Advance(opts.InitialDelay * 12 / 10)
	expectEvent(t, bus, "connect")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	p.Stop(ctx)
}

func TestPublisherRepublishesAfterConnectionLoss(t *testing.T) {
	p, bus, _ := startPublisher(t, testOptions())
	p.Start()
	expectEvent(t, bus, "publish:"+p.topics.State())

	p.OfferState(&nfc.Tag{UID: "04AA"})
	expectEvent(t, bus, "publish:"+p.topics.State())

	bus.lost(errors.New("broken pipe"))
	expectEvent(t, bus, "connect")
	expectEvent(t, bus, "publish:"+p.topics.State())

	states := bus.publishedTo(p.topics.State())
	state := decodeState(t, states[len(states)-1])
	if state.TagID == nil || *state.TagID != "04AA" {
		t.Errorf("republished state = %+v, want retained tag 04AA", state)
	}
}

func TestPublisherPublishFailureForcesReconnect(t *testing.T) {
	p, bus, _ := startPublisher(t, testOptions())
	p.Start()
	expectEvent(t, bus, "publish:"+p.topics.State())

	var once sync.Once
	bus.mu.Lock()
	bus.publishFn = func(rec publishRecord) error {
		var err error
		once.Do(func() { err = errors.New("broker gone") })
		return err
	}
	bus.mu.Unlock()

	p.OfferState(&nfc.Tag{UID: "04AA"})
	expectEvent(t, bus, "publish-failed")
	expectEvent(t, bus, "disconnect")
	expectEvent(t, bus, "connect")
	expectEvent(t, bus, "publish:"+p.topics.State())

	states := bus.publishedTo(p.topics.State())
	state := decodeState(t, states[len(states)-1])
	if state.TagID == nil || *state.TagID != "04AA" {
		t.Errorf("state after recovery = %+v, want tag 04AA", state)
	}
}

func TestPublisherAvailability(t *testing.T) {
	p, bus, _ := startPublisher(t, testOptions())
	p.Start()
	expectEvent(t, bus, "publish:"+p.topics.State())

	p.OfferAvailability(false)
	expectEvent(t, bus, "publish:"+p.topics.Availability())

	avail := bus.publishedTo(p.topics.Availability())
	if string(avail[len(avail)-1].payload) != "offline" {
		t.Errorf("availability = %q, want offline", avail[len(avail)-1].payload)
	}
}

func TestPublisherStopPublishesOffline(t *testing.T) {
	opts := testOptions()
	bus := newFakeBus()
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))
	p := newPublisher(opts, fc, bus)
	bus.lost = p.connectionLost

	p.Start()
	expectEvent(t, bus, "publish:"+p.topics.State())

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	avail := bus.publishedTo(p.topics.Availability())
	if len(avail) < 2 {
		t.Fatalf("availability publishes = %d, want online then farewell offline", len(avail))
	}
	if string(avail[len(avail)-1].payload) != "offline" {
		t.Errorf("farewell availability = %q, want offline", avail[len(avail)-1].payload)
	}

	bus.mu.Lock()
	disconnects := bus.disconnects
	bus.mu.Unlock()
	if disconnects == 0 {
		t.Error("Stop() never disconnected the bus")
	}
}

func TestPublisherStopDuringSlowConnect(t *testing.T) {
	p, bus, _ := startPublisher(t, testOptions())
	release := make(chan struct{})
	bus.connectFn = func(attempt int) error {
		<-release
		return nil
	}
	p.Start()

	deadline := time.Now().Add(eventTimeout)
	for bus.attemptCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the connect attempt")
		}
		time.Sleep(time.Millisecond)
	}

	// The shutdown grace period expires while Connect is still blocked.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Stop() error = %v, want context.Canceled", err)
	}

	// The late-completing connection must be torn down without publishing
	// anything over the shutdown.
	close(release)
	deadline = time.Now().Add(eventTimeout)
	for bus.disconnectCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("late connection was never torn down")
		}
		time.Sleep(time.Millisecond)
	}

	if n := len(bus.publishedTo(p.topics.State())); n != 0 {
		t.Errorf("state published %d times after stop", n)
	}
	if n := len(bus.publishedTo(p.topics.Availability())); n != 0 {
		t.Errorf("availability published %d times after stop", n)
	}
}

func TestPublisherDiscoveryDisabled(t *testing.T) {
	opts := testOptions()
	opts.DisableDiscovery = true
	p, bus, _ := startPublisher(t, opts)
	p.Start()
	expectEvent(t, bus, "publish:"+p.topics.State())

	if got := bus.publishedTo(p.topics.DiscoveryConfig()); len(got) != 0 {
		t.Errorf("discovery publishes = %d, want 0 when disabled", len(got))
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := testOptions()
	opts.TopicPrefix = ""
	if err := opts.Validate(); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Validate() = %v, want ErrInvalidTopic", err)
	}

	opts = testOptions()
	opts.QoS = 3
	if err := opts.Validate(); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Validate() = %v, want ErrInvalidQoS", err)
	}
}
