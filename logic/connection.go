package logic

// PinID identifies a physical I/O line on a Connection
type PinID = uint16

// Connection is an interface implemented by structs which are able to write to hardware pins.
// A Connection may be shared by many Servos, each of which only writes to its own pin, so
// implementations must be safe for concurrent use. It is not necessarily backed by
// hardware (as in MockConnection)
type Connection interface {
	Name() string

	Initialize() error
	Deinitialize() error

	DigitalWrite(pin PinID, value uint8) error
	ServoWrite(pin PinID, angle int) error
	PwmWrite(pin PinID, duty uint32) error
}
