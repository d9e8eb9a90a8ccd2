package logic

import (
	"github.com/stretchr/testify/mock"
)

// MockConnection is a Connection which records all writes instead of sending them to hardware
type MockConnection struct {
	mock.Mock
}

var _ Connection = (*MockConnection)(nil)

func NewMockConnection() *MockConnection {
	return &MockConnection{mock.Mock{}}
}

func (m *MockConnection) Name() string {
	return "mock"
}

func (m *MockConnection) Initialize() error {
	return nil
}

func (m *MockConnection) Deinitialize() error {
	return nil
}

func (m *MockConnection) DigitalWrite(pin PinID, value uint8) error {
	args := m.Called(pin, value)
	return args.Error(0)
}

func (m *MockConnection) ServoWrite(pin PinID, angle int) error {
	args := m.Called(pin, angle)
	return args.Error(0)
}

func (m *MockConnection) PwmWrite(pin PinID, duty uint32) error {
	args := m.Called(pin, duty)
	return args.Error(0)
}

// SetupAllReturns makes every write on any pin succeed
func (m *MockConnection) SetupAllReturns() {
	m.On("DigitalWrite", mock.Anything, mock.Anything).Return(nil)
	m.On("ServoWrite", mock.Anything, mock.Anything).Return(nil)
	m.On("PwmWrite", mock.Anything, mock.Anything).Return(nil)
}
