package nfc

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// errCycleInFlight reports that the previous cycle's goroutine is still
// blocked inside the backend, so the reader is effectively unreachable.
var errCycleInFlight = errors.New("previous poll cycle still in flight")

// Sample is the outcome of one poll cycle: either an absent reader field
// (Err set to a reader-unavailable error), an empty field, or a present
// card with its raw memory dump.
type Sample struct {
	// Present reports whether a card sits on the reader.
	Present bool

	// UID is the card identifier when Present.
	UID string

	// Memory is the raw tag data area, nil when the tag exposes none.
	Memory []byte

	// Capacity is the declared data area size in bytes.
	Capacity int

	// Err is set when the cycle failed; its error code classifies the
	// failure as reader loss or a transient read problem.
	Err error
}

// DefaultOperationTimeout bounds one full poll cycle against a wedged
// reader or daemon.
const DefaultOperationTimeout = 2 * time.Second

// Poller performs single-shot reader polls. Each call to Poll opens the
// configured reader, reads the card if one is present, and disconnects.
// A Poller is driven from a single goroutine; it is not safe for concurrent
// use.
type Poller struct {
	manager Manager
	reader  string
	timeout time.Duration

	// pending holds the result channel of a timed-out cycle whose goroutine
	// is still blocked inside the backend. Poll refuses to start a new cycle
	// until it drains, so a wedged daemon pins at most one goroutine.
	pending chan Sample
}

// NewPoller creates a Poller for the named reader. An empty reader name
// selects the first attached reader each cycle.
func NewPoller(manager Manager, reader string, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Poller{manager: manager, reader: reader, timeout: timeout}
}

// Poll runs one cycle. It never returns an error directly; failures are
// carried in Sample.Err so callers can feed every outcome, good or bad,
// into the same state machine.
func (p *Poller) Poll(ctx context.Context) Sample {
	if p.pending != nil {
		select {
		case <-p.pending:
			// The stuck cycle finally returned. Its result is stale, but the
			// backend is responsive again.
			p.pending = nil
		default:
			return Sample{Err: NewReaderUnavailableError("Poll", errCycleInFlight)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan Sample, 1)
	go func() {
		done <- p.pollOnce()
	}()

	select {
	case sample := <-done:
		return sample
	case <-ctx.Done():
		// The cycle goroutine still owns the device handle and will close
		// it when the stuck call returns. Remember it so the next cycle
		// does not stack a second one onto the blocked backend.
		p.pending = done
		return Sample{Err: NewTransientReadError("Poll", ctx.Err())}
	}
}

func (p *Poller) pollOnce() Sample {
	dev, err := p.manager.OpenDevice(p.reader)
	if err != nil {
		if IsNoCard(err) {
			return Sample{}
		}
		return Sample{Err: err}
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Debugf("Error closing device %s: %v", dev, err)
		}
	}()

	uid, err := dev.UID()
	if err != nil {
		if IsNoCard(err) {
			// Card lifted between presence check and read.
			return Sample{}
		}
		return Sample{Err: err}
	}

	memory, capacity, err := dev.ReadMemory()
	if err != nil {
		if IsNoCard(err) {
			return Sample{}
		}
		return Sample{Err: err}
	}

	return Sample{Present: true, UID: uid, Memory: memory, Capacity: capacity}
}
