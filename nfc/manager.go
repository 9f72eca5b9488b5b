// Package nfc provides access to NFC readers and the decoding of the tags
// they see. A Manager abstracts over the reader backend (PC/SC via pcscd, or
// libnfc), a Device is a live connection to the card currently on a reader,
// and the Poller turns both into one bounded "poll once" operation.
package nfc

import "fmt"

// Backend names accepted by NewManager.
const (
	BackendPCSC   = "pcsc"
	BackendLibnfc = "libnfc"
)

// Manager handles reader discovery and card connections.
//
// ListDevices enumerates attached readers. OpenDevice connects to the card
// currently on the named reader (the first reader when name is empty); it
// returns a CodeNoCard error when the reader is empty and a
// CodeReaderUnavailable error when no reader can be reached at all.
type Manager interface {
	ListDevices() ([]string, error)
	OpenDevice(name string) (Device, error)
	Close() error
}

// Device is a connection to a single card on a reader. It is opened for one
// poll cycle and closed again; all reads go through it.
type Device interface {
	// UID returns the card identifier as uppercase hex.
	UID() (string, error)

	// ReadMemory returns the tag's data area and its declared capacity.
	// Tags without an NDEF capability container return (nil, 0, nil);
	// a read that fails mid-operation returns a CodeTransientRead error.
	ReadMemory() (data []byte, capacity int, err error)

	// String describes the device for logging.
	String() string

	Close() error
}

// NewManager creates a Manager for the named backend. The PC/SC backend is
// the default; it talks to the pcscd daemon and covers any CCID reader.
func NewManager(backend string) (Manager, error) {
	switch backend {
	case "", BackendPCSC:
		return newPCSCManager(), nil
	case BackendLibnfc:
		return newLibnfcManager(), nil
	default:
		return nil, fmt.Errorf("unknown reader backend %q", backend)
	}
}
