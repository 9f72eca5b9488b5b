package nfc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ebfe/scard"
)

const (
	// ndefMagic marks an NDEF-formatted Type 2 tag in its capability
	// container.
	ndefMagic = 0xE1

	// t2CCPage is the capability container page on a Type 2 tag.
	t2CCPage = 3

	// t2DataPage is the first page of the user data area.
	t2DataPage = 4

	t2PageSize = 4
)

// pcscDevice wraps a connected PC/SC card handle.
type pcscDevice struct {
	card       *scard.Card
	readerName string
}

func newPCSCDevice(card *scard.Card, readerName string) *pcscDevice {
	return &pcscDevice{card: card, readerName: readerName}
}

// UID reads the card's anti-collision identifier via the PC/SC
// pseudo-APDU GET DATA.
func (d *pcscDevice) UID() (string, error) {
	resp, err := d.transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return "", NewTransientReadError("UID", fmt.Errorf("empty UID response"))
	}
	return strings.ToUpper(hex.EncodeToString(resp)), nil
}

// ReadMemory reads the capability container and, for NDEF-formatted tags,
// the whole user data area. Tags without the NDEF magic byte have no
// readable memory and return (nil, 0, nil).
func (d *pcscDevice) ReadMemory() ([]byte, int, error) {
	cc, err := d.readPage(t2CCPage)
	if err != nil {
		return nil, 0, err
	}
	if cc[0] != ndefMagic {
		return nil, 0, nil
	}

	// CC byte 2 encodes the data area size in 8-byte units.
	capacity := int(cc[2]) * 8
	if capacity == 0 {
		return nil, 0, nil
	}

	data := make([]byte, 0, capacity)
	for page := t2DataPage; len(data) < capacity; page++ {
		chunk, err := d.readPage(page)
		if err != nil {
			return nil, 0, err
		}
		data = append(data, chunk...)
	}
	return data[:capacity], capacity, nil
}

// readPage reads one 4-byte page with the PC/SC READ BINARY pseudo-APDU.
func (d *pcscDevice) readPage(page int) ([]byte, error) {
	resp, err := d.transmit([]byte{0xFF, 0xB0, 0x00, byte(page), t2PageSize})
	if err != nil {
		return nil, err
	}
	if len(resp) < t2PageSize {
		return nil, NewTransientReadError(fmt.Sprintf("ReadPage(%d)", page),
			fmt.Errorf("short read: %d bytes", len(resp)))
	}
	return resp[:t2PageSize], nil
}

// transmit sends an APDU and strips the trailing status word, verifying it
// reports success (0x9000).
func (d *pcscDevice) transmit(apdu []byte) ([]byte, error) {
	resp, err := d.card.Transmit(apdu)
	if err != nil {
		// A card that vanishes mid-exchange is a transient failure, not
		// absence evidence. The next cycle's presence check observes the
		// empty reader directly and starts the absence debounce there.
		return nil, NewTransientReadError("Transmit", err)
	}
	if len(resp) < 2 {
		return nil, NewTransientReadError("Transmit", fmt.Errorf("response too short: % X", resp))
	}
	sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, NewTransientReadError("Transmit", fmt.Errorf("status word %02X%02X", sw1, sw2))
	}
	return resp[:len(resp)-2], nil
}

func (d *pcscDevice) String() string {
	return d.readerName
}

func (d *pcscDevice) Close() error {
	return d.card.Disconnect(scard.LeaveCard)
}
