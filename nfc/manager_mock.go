package nfc

import (
	"fmt"
	"sync"
)

// MockManager is a test implementation of Manager that simulates reader
// access without physical hardware.
//
// Example:
//
//	manager := NewMockManager()
//	manager.MockDevice.MemoryData = tagDump
//	dev, _ := manager.OpenDevice("mock:usb:001")
type MockManager struct {
	// DevicesList is the list of reader names returned by ListDevices()
	DevicesList []string

	// ListDevicesError, if set, will be returned by ListDevices()
	ListDevicesError error

	// MockDevice is the device returned by OpenDevice()
	// If nil, a new MockDevice will be created
	MockDevice *MockDevice

	// OpenDeviceError, if set, will be returned by OpenDevice()
	OpenDeviceError error

	// CloseError, if set, will be returned by Close()
	CloseError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	mu sync.Mutex
}

// NewMockManager creates a new MockManager with default values.
func NewMockManager() *MockManager {
	return &MockManager{
		DevicesList: []string{"mock:usb:001"},
		MockDevice:  NewMockDevice(),
		CallLog:     make([]string, 0),
	}
}

// ListDevices simulates listing attached readers.
func (m *MockManager) ListDevices() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "ListDevices")

	if m.ListDevicesError != nil {
		return nil, m.ListDevicesError
	}
	return m.DevicesList, nil
}

// OpenDevice simulates connecting to the card on a reader.
func (m *MockManager) OpenDevice(name string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("OpenDevice(%s)", name))

	if m.OpenDeviceError != nil {
		return nil, m.OpenDeviceError
	}

	if m.MockDevice == nil {
		m.MockDevice = NewMockDevice()
	}
	return m.MockDevice, nil
}

// Close simulates releasing the backend.
func (m *MockManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Close")
	return m.CloseError
}

// GetCallLog returns a copy of the call log for test verification.
func (m *MockManager) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	callLog := make([]string, len(m.CallLog))
	copy(callLog, m.CallLog)
	return callLog
}

// MockDevice is a test implementation of Device with scriptable responses.
type MockDevice struct {
	// DeviceName is the simulated reader name returned by String()
	DeviceName string

	// UIDValue is the identifier returned by UID()
	UIDValue string

	// UIDError, if set, will be returned by UID()
	UIDError error

	// MemoryData is the raw data area returned by ReadMemory()
	MemoryData []byte

	// MemoryCapacity is the capacity returned by ReadMemory()
	// If zero and MemoryData is set, len(MemoryData) is used
	MemoryCapacity int

	// ReadMemoryError, if set, will be returned by ReadMemory()
	ReadMemoryError error

	// CloseError, if set, will be returned by Close()
	CloseError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	mu sync.Mutex
}

// NewMockDevice creates a new MockDevice with default values.
func NewMockDevice() *MockDevice {
	return &MockDevice{
		DeviceName: "Mock NFC Reader",
		UIDValue:   "04A1B2C3D4E5F6",
		CallLog:    make([]string, 0),
	}
}

// UID simulates reading the card identifier.
func (d *MockDevice) UID() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.CallLog = append(d.CallLog, "UID")

	if d.UIDError != nil {
		return "", d.UIDError
	}
	return d.UIDValue, nil
}

// ReadMemory simulates reading the tag data area.
func (d *MockDevice) ReadMemory() ([]byte, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.CallLog = append(d.CallLog, "ReadMemory")

	if d.ReadMemoryError != nil {
		return nil, 0, d.ReadMemoryError
	}
	if d.MemoryData == nil {
		return nil, 0, nil
	}

	capacity := d.MemoryCapacity
	if capacity == 0 {
		capacity = len(d.MemoryData)
	}
	return d.MemoryData, capacity, nil
}

func (d *MockDevice) String() string {
	return d.DeviceName
}

// Close simulates disconnecting from the card.
func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.CallLog = append(d.CallLog, "Close")
	return d.CloseError
}

// GetCallLog returns a copy of the call log for test verification.
func (d *MockDevice) GetCallLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	callLog := make([]string, len(d.CallLog))
	copy(callLog, d.CallLog)
	return callLog
}
