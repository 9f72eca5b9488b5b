package nfc

import (
	"fmt"
	"strings"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
)

// libnfcManager implements Manager on top of libnfc for readers that are
// not exposed through PC/SC.
type libnfcManager struct{}

func newLibnfcManager() *libnfcManager {
	return &libnfcManager{}
}

func (m *libnfcManager) ListDevices() ([]string, error) {
	devices, err := nfc.ListDevices()
	if err != nil {
		return nil, NewReaderUnavailableError("ListDevices", err)
	}
	return devices, nil
}

// OpenDevice opens the named libnfc device and selects the tag currently in
// its field. An empty name opens the default device.
func (m *libnfcManager) OpenDevice(name string) (Device, error) {
	dev, err := nfc.Open(name)
	if err != nil {
		return nil, NewReaderUnavailableError("Open", err)
	}

	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, NewReaderUnavailableError("InitiatorInit", err)
	}

	tags, err := freefare.GetTags(dev)
	if err != nil {
		dev.Close()
		return nil, NewTransientReadError("GetTags", err)
	}
	if len(tags) == 0 {
		reader := dev.String()
		dev.Close()
		return nil, NewNoCardError("OpenDevice", reader)
	}

	return &libnfcDevice{device: dev, tag: tags[0]}, nil
}

func (m *libnfcManager) Close() error {
	return nil
}

// libnfcDevice wraps an open libnfc device together with the tag selected
// on it.
type libnfcDevice struct {
	device nfc.Device
	tag    freefare.Tag
}

func (d *libnfcDevice) UID() (string, error) {
	return strings.ToUpper(d.tag.UID()), nil
}

// ReadMemory reads the Type 2 data area of Ultralight-family tags. Other
// tag types carry no readable memory here and return (nil, 0, nil).
func (d *libnfcDevice) ReadMemory() ([]byte, int, error) {
	ul, ok := d.tag.(freefare.UltralightTag)
	if !ok {
		return nil, 0, nil
	}

	if err := ul.Connect(); err != nil {
		return nil, 0, NewTransientReadError("Connect", err)
	}
	defer ul.Disconnect()

	cc, err := ul.ReadPage(t2CCPage)
	if err != nil {
		return nil, 0, NewTransientReadError("ReadPage(3)", err)
	}
	if cc[0] != ndefMagic {
		return nil, 0, nil
	}

	capacity := int(cc[2]) * 8
	if capacity == 0 {
		return nil, 0, nil
	}

	data := make([]byte, 0, capacity)
	for page := byte(t2DataPage); len(data) < capacity; page++ {
		chunk, err := ul.ReadPage(page)
		if err != nil {
			return nil, 0, NewTransientReadError(fmt.Sprintf("ReadPage(%d)", page), err)
		}
		data = append(data, chunk[:]...)
	}
	return data[:capacity], capacity, nil
}

func (d *libnfcDevice) String() string {
	return d.device.String()
}

func (d *libnfcDevice) Close() error {
	return d.device.Close()
}
