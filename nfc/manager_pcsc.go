package nfc

import (
	"strings"
	"sync"

	"github.com/ebfe/scard"
)

// pcscManager implements Manager using PC/SC via ebfe/scard. All reader
// access goes through the pcscd daemon; when that daemon or its socket is
// unreachable every operation reports CodeReaderUnavailable.
type pcscManager struct {
	ctx   *scard.Context
	ctxMu sync.Mutex
}

func newPCSCManager() *pcscManager {
	return &pcscManager{}
}

// ensureContext ensures we have a valid PC/SC context, re-establishing it
// when pcscd has restarted underneath us. The mutex only guards the field;
// it is never held across a call into pcscd, so a wedged daemon cannot
// block other callers on the lock.
func (m *pcscManager) ensureContext() (*scard.Context, error) {
	m.ctxMu.Lock()
	ctx := m.ctx
	m.ctxMu.Unlock()

	if ctx != nil {
		// Check if the context is still valid by listing readers
		_, err := ctx.ListReaders()
		if err == nil || err == scard.ErrNoReadersAvailable {
			return ctx, nil
		}
		ctx.Release()
		m.ctxMu.Lock()
		if m.ctx == ctx {
			m.ctx = nil
		}
		m.ctxMu.Unlock()
	}

	fresh, err := scard.EstablishContext()
	if err != nil {
		return nil, NewReaderUnavailableError("EstablishContext", err)
	}

	m.ctxMu.Lock()
	if m.ctx != nil {
		// Another caller re-established first; keep theirs.
		existing := m.ctx
		m.ctxMu.Unlock()
		fresh.Release()
		return existing, nil
	}
	m.ctx = fresh
	m.ctxMu.Unlock()
	return fresh, nil
}

func (m *pcscManager) ListDevices() ([]string, error) {
	ctx, err := m.ensureContext()
	if err != nil {
		return nil, err
	}

	readers, err := ctx.ListReaders()
	if err == scard.ErrNoReadersAvailable {
		return nil, nil
	}
	if err != nil {
		return nil, NewReaderUnavailableError("ListReaders", err)
	}
	return readers, nil
}

// OpenDevice connects to the card on the named reader. An empty name picks
// the first attached reader.
func (m *pcscManager) OpenDevice(name string) (Device, error) {
	ctx, err := m.ensureContext()
	if err != nil {
		return nil, err
	}

	readerName := name
	if readerName == "" {
		readers, err := m.ListDevices()
		if err != nil {
			return nil, err
		}
		if len(readers) == 0 {
			return nil, NewReaderUnavailableError("OpenDevice", nil)
		}
		readerName = readers[0]
	}

	// Check card presence before connecting so Connect does not block on an
	// empty reader.
	present, err := m.isCardPresent(ctx, readerName)
	if err != nil {
		return nil, NewReaderUnavailableError("GetStatusChange", err)
	}
	if !present {
		return nil, NewNoCardError("OpenDevice", readerName)
	}

	// ShareShared keeps the reader usable by other PC/SC clients.
	card, err := ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if isNoCardMessage(err) {
			return nil, NewNoCardError("Connect", readerName)
		}
		// Card may have been lifted between the presence check and Connect.
		return nil, NewTransientReadError("Connect", err)
	}

	return newPCSCDevice(card, readerName), nil
}

// isCardPresent checks whether a card sits on the named reader without
// blocking: a zero timeout makes GetStatusChange report the current state.
func (m *pcscManager) isCardPresent(ctx *scard.Context, readerName string) (bool, error) {
	states := []scard.ReaderState{
		{Reader: readerName, CurrentState: scard.StateUnaware},
	}
	if err := ctx.GetStatusChange(states, 0); err != nil {
		return false, err
	}
	return states[0].EventState&scard.StatePresent != 0, nil
}

func (m *pcscManager) Close() error {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()

	if m.ctx != nil {
		err := m.ctx.Release()
		m.ctx = nil
		return err
	}
	return nil
}

// isNoCardMessage matches the various PC/SC error strings for an empty
// reader across platforms and pcsclite versions.
func isNoCardMessage(err error) bool {
	if err == scard.ErrNoSmartcard || err == scard.ErrRemovedCard {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no card") ||
		strings.Contains(msg, "no smart card") ||
		strings.Contains(msg, "card is not present") ||
		strings.Contains(msg, "card not present")
}
