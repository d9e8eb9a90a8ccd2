package logic

import (
	"errors"
	"fmt"
	"sync"

	"git.amikhalev.com/amikhalev/servod/util"
	"github.com/sirupsen/logrus"
	"github.com/stianeikeland/go-rpio/v4"
)

const (
	// ServoFrequency is the frequency of the pulse train sent to servos, in Hz
	ServoFrequency = 50
	// ServoCycleLen is the number of PWM ticks in one servo period, so one tick is 1us at ServoFrequency
	ServoCycleLen uint32 = 20000
	// ServoMinPulse is the pulse width (in us) for ServoMinAngle
	ServoMinPulse uint32 = 500
	// ServoMaxPulse is the pulse width (in us) for ServoMaxAngle
	ServoMaxPulse uint32 = 2500
	ServoMinAngle        = 0
	ServoMaxAngle        = 180

	// PwmCycleLen is the number of ticks in one period for plain PwmWrite duty cycles
	PwmCycleLen uint32 = 1024
	// PwmFrequency is the frequency of plain PwmWrite signals, in Hz
	PwmFrequency = 1000
)

var errNotOpen = errors.New("rpio is not open")

type pinMode int

const (
	pinModeUnset pinMode = iota
	pinModeDigital
	pinModePwm
	pinModeServo
)

// RpioConnection is a connection which uses raspberry pi gpio pins
type RpioConnection struct {
	modes map[PinID]pinMode
	open  bool
	log   *logrus.Entry
	sync.Mutex
}

var _ Connection = (*RpioConnection)(nil)

func NewRpioConnection() *RpioConnection {
	return &RpioConnection{
		modes: make(map[PinID]pinMode),
		log:   util.Logger.WithField("connection", "rpio"),
	}
}

func (c *RpioConnection) Name() string {
	return "rpio"
}

func (c *RpioConnection) Initialize() (err error) {
	c.Lock()
	defer c.Unlock()
	c.log.Info("opening rpio")
	err = rpio.Open()
	if err != nil {
		err = fmt.Errorf("error opening rpio: %v", err)
		return
	}
	c.open = true
	return
}

func (c *RpioConnection) Deinitialize() (err error) {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return
	}
	c.open = false
	c.modes = make(map[PinID]pinMode)
	return rpio.Close()
}

// setMode switches pin into mode if it is not already in it. Must be called with the lock held
func (c *RpioConnection) setMode(pin rpio.Pin, mode pinMode) {
	if c.modes[PinID(pin)] == mode {
		return
	}
	switch mode {
	case pinModeDigital:
		pin.Output()
	case pinModePwm:
		pin.Mode(rpio.Pwm)
		pin.Freq(PwmFrequency * int(PwmCycleLen))
	case pinModeServo:
		pin.Mode(rpio.Pwm)
		pin.Freq(ServoFrequency * int(ServoCycleLen))
	}
	c.modes[PinID(pin)] = mode
}

func (c *RpioConnection) DigitalWrite(id PinID, value uint8) error {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return errNotOpen
	}
	pin := rpio.Pin(id)
	c.setMode(pin, pinModeDigital)
	c.log.WithFields(logrus.Fields{"pin": id, "value": value}).Debug("digital write")
	if value == 0 {
		pin.Low()
	} else {
		pin.High()
	}
	return nil
}

func (c *RpioConnection) ServoWrite(id PinID, angle int) error {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return errNotOpen
	}
	pin := rpio.Pin(id)
	c.setMode(pin, pinModeServo)
	pulse := AngleToPulse(angle)
	c.log.WithFields(logrus.Fields{"pin": id, "angle": angle, "pulse": pulse}).Debug("servo write")
	pin.DutyCycle(pulse, ServoCycleLen)
	return nil
}

// PwmWrite sets the duty cycle of pin. If the pin is currently driving a servo, duty is in servo ticks (us),
// otherwise it is out of PwmCycleLen
func (c *RpioConnection) PwmWrite(id PinID, duty uint32) error {
	c.Lock()
	defer c.Unlock()
	if !c.open {
		return errNotOpen
	}
	pin := rpio.Pin(id)
	cycle := ServoCycleLen
	if c.modes[id] != pinModeServo {
		c.setMode(pin, pinModePwm)
		cycle = PwmCycleLen
	}
	if duty > cycle {
		duty = cycle
	}
	c.log.WithFields(logrus.Fields{"pin": id, "duty": duty, "cycle": cycle}).Debug("pwm write")
	pin.DutyCycle(duty, cycle)
	return nil
}

// AngleToPulse maps an angle in degrees linearly onto a servo pulse width in us. Angles outside of
// ServoMinAngle..ServoMaxAngle are clamped
func AngleToPulse(angle int) uint32 {
	if angle < ServoMinAngle {
		angle = ServoMinAngle
	}
	if angle > ServoMaxAngle {
		angle = ServoMaxAngle
	}
	pulseRange := ServoMaxPulse - ServoMinPulse
	return ServoMinPulse + uint32(angle-ServoMinAngle)*pulseRange/(ServoMaxAngle-ServoMinAngle)
}
