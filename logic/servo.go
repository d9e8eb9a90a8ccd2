package logic

import (
	"fmt"
	"sync"
	"time"

	"git.amikhalev.com/amikhalev/servod/util"
	"github.com/sirupsen/logrus"
)

const errNoPinMessage = "No pin specified for Servo. Cannot proceed"

// ServoLifecycle is the lifecycle state of a Servo
type ServoLifecycle int

const (
	// ServoUnstarted means the Servo has never been successfully started
	ServoUnstarted ServoLifecycle = iota
	// ServoStarted means the Servo is armed and accepts angles
	ServoStarted
	// ServoHalted means the Servo was started and then halted. It may be started again
	ServoHalted
)

func (l ServoLifecycle) String() string {
	switch l {
	case ServoUnstarted:
		return "unstarted"
	case ServoStarted:
		return "started"
	case ServoHalted:
		return "halted"
	default:
		return fmt.Sprintf("ServoLifecycle(%d)", int(l))
	}
}

// ServoUpdateType is the type of a ServoUpdate
type ServoUpdateType int

const (
	// ServoUpdateState means the lifecycle state of the servo changed
	ServoUpdateState ServoUpdateType = iota
	// ServoUpdateAngle means a new angle was written to the servo
	ServoUpdateAngle
)

// ServoUpdate is an update made to a Servo
type ServoUpdate struct {
	Servo *Servo
	Type  ServoUpdateType
}

// ServoState is a snapshot of the state of a Servo
type ServoState struct {
	Lifecycle ServoLifecycle
	// Angle is the last angle successfully written, or nil if none has been
	Angle *int
	// LastWrite is the time of the last successful write to the connection
	LastWrite *time.Time
}

func (s ServoState) String() string {
	angle := "none"
	if s.Angle != nil {
		angle = fmt.Sprint(*s.Angle)
	}
	return fmt.Sprintf("{%v, angle: %s}", s.Lifecycle, angle)
}

// ServoConfig is the data needed to construct a Servo
type ServoConfig struct {
	// Name is an informational label
	Name string
	// Pin is the pin the servo is attached to. It is required
	Pin *PinID
	// Connection is used for all writes. It is required, and is not owned by the Servo
	Connection Connection
	// StartAngle is written when the servo is started, if it is set
	StartAngle *int
}

type servoCmdType int

const (
	servoCmdStart servoCmdType = iota
	servoCmdHalt
	servoCmdAngle
)

type servoCmd struct {
	Type  servoCmdType
	Angle int
	Done  chan<- error
}

// Servo drives a single servo on one pin of a Connection. All commands to a started Servo
// are processed in order by a single goroutine, which exits when the Servo is halted.
type Servo struct {
	name       string
	pin        PinID
	conn       Connection
	startAngle *int

	commands chan servoCmd
	stopped  chan struct{}
	cmdMu    sync.Mutex

	state   ServoState
	stateMu sync.Mutex

	updateChan chan<- ServoUpdate
	log        *logrus.Entry
}

// NewServo creates a new Servo from cfg. It fails if cfg has no pin or no connection. No
// writes happen until the Servo is started
func NewServo(cfg ServoConfig) (*Servo, error) {
	if cfg.Pin == nil {
		return nil, &util.Error{Code: util.EC_NotSpecified, Message: errNoPinMessage, Name: "pin"}
	}
	if err := util.CheckNotNil(cfg.Connection, "connection"); err != nil {
		return nil, err
	}
	var startAngle *int
	if cfg.StartAngle != nil {
		a := *cfg.StartAngle
		startAngle = &a
	}
	return &Servo{
		name:       cfg.Name,
		pin:        *cfg.Pin,
		conn:       cfg.Connection,
		startAngle: startAngle,
		state:      ServoState{Lifecycle: ServoUnstarted},
		log: util.Logger.WithFields(logrus.Fields{
			"servo": cfg.Name, "pin": *cfg.Pin,
		}),
	}, nil
}

func (s *Servo) Name() string {
	return s.name
}

func (s *Servo) Pin() PinID {
	return s.pin
}

func (s *Servo) Connection() Connection {
	return s.conn
}

// StartAngle returns the angle written on start, or nil if there is none
func (s *Servo) StartAngle() *int {
	return s.startAngle
}

func (s *Servo) String() string {
	return fmt.Sprintf("servo '%s' (pin %d)", s.name, s.pin)
}

// SetUpdateChan sets the update handler chan for this Servo. It must be called before the Servo
// is started
func (s *Servo) SetUpdateChan(updateChan chan<- ServoUpdate) {
	s.updateChan = updateChan
}

// State returns a snapshot of the current state of the Servo
func (s *Servo) State() ServoState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	state := s.state
	if state.Angle != nil {
		angle := *state.Angle
		state.Angle = &angle
	}
	if state.LastWrite != nil {
		t := *state.LastWrite
		state.LastWrite = &t
	}
	return state
}

func (s *Servo) lifecycle() ServoLifecycle {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state.Lifecycle
}

func (s *Servo) setLifecycle(l ServoLifecycle) {
	s.stateMu.Lock()
	s.state.Lifecycle = l
	s.stateMu.Unlock()
	s.update(ServoUpdateState)
}

func (s *Servo) recordAngle(angle int) {
	now := time.Now()
	s.stateMu.Lock()
	s.state.Angle = &angle
	s.state.LastWrite = &now
	s.stateMu.Unlock()
	s.update(ServoUpdateAngle)
}

func (s *Servo) update(t ServoUpdateType) {
	if s.updateChan != nil {
		s.updateChan <- ServoUpdate{
			Servo: s, Type: t,
		}
	}
}

func (s *Servo) arm() error {
	if s.lifecycle() == ServoStarted {
		s.log.Debug("servo already started")
		return nil
	}
	if s.startAngle != nil {
		if err := s.conn.ServoWrite(s.pin, *s.startAngle); err != nil {
			s.log.WithError(err).Error("error starting servo")
			return util.NewConnectionError("servo start", err)
		}
		s.recordAngle(*s.startAngle)
	}
	s.setLifecycle(ServoStarted)
	s.log.Info("started servo")
	return nil
}

func (s *Servo) disarm() error {
	if s.lifecycle() != ServoStarted {
		s.log.Debug("halting servo which was not started")
		return nil
	}
	err := s.conn.PwmWrite(s.pin, 0)
	s.setLifecycle(ServoHalted)
	if err != nil {
		s.log.WithError(err).Error("error halting servo")
		return util.NewConnectionError("servo halt", err)
	}
	s.log.Info("halted servo")
	return nil
}

func (s *Servo) writeAngle(angle int) error {
	if s.lifecycle() != ServoStarted {
		return util.NewNotRunningError(s.String())
	}
	if err := s.conn.ServoWrite(s.pin, angle); err != nil {
		return util.NewConnectionError("servo write", err)
	}
	s.recordAngle(angle)
	s.log.WithField("angle", angle).Debug("set servo angle")
	return nil
}

func (s *Servo) run(commands <-chan servoCmd, stopped chan<- struct{}) {
	defer close(stopped)
	for cmd := range commands {
		switch cmd.Type {
		case servoCmdStart:
			cmd.Done <- s.arm()
		case servoCmdAngle:
			cmd.Done <- s.writeAngle(cmd.Angle)
		case servoCmdHalt:
			cmd.Done <- s.disarm()
			return
		}
	}
}

// Start arms the servo, writing the start angle if one is configured. Exactly one value is sent on
// the returned chan: nil, or the error from the connection. Starting a started Servo does nothing,
// and a halted Servo may be started again
func (s *Servo) Start() <-chan error {
	done := make(chan error, 1)
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.commands == nil {
		s.commands = make(chan servoCmd)
		s.stopped = make(chan struct{})
		go s.run(s.commands, s.stopped)
	}
	s.commands <- servoCmd{Type: servoCmdStart, Done: done}
	return done
}

// Halt stops the pulse train to the servo and stops its command goroutine. Exactly one value is sent
// on the returned chan. Halting a Servo which is not started does nothing
func (s *Servo) Halt() <-chan error {
	done := make(chan error, 1)
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.commands == nil {
		done <- nil
		return done
	}
	s.commands <- servoCmd{Type: servoCmdHalt, Done: done}
	<-s.stopped
	s.commands = nil
	s.stopped = nil
	return done
}

// SetAngle writes angle to the servo unchanged, and returns once it has been written. It fails if the
// Servo has not finished starting or has been halted
func (s *Servo) SetAngle(angle int) error {
	done := make(chan error, 1)
	s.cmdMu.Lock()
	if s.commands == nil {
		s.cmdMu.Unlock()
		return util.NewNotRunningError(s.String())
	}
	s.commands <- servoCmd{Type: servoCmdAngle, Angle: angle, Done: done}
	s.cmdMu.Unlock()
	return <-done
}

// Listen registers a handler on src which sets the angle of this Servo for every angle
// received on topic
func (s *Servo) Listen(src AngleSource, topic string) error {
	log := s.log.WithField("topic", topic)
	log.Debug("listening for angles")
	return src.SubscribeAngle(topic, func(angle int) {
		log.WithField("angle", angle).Debug("received angle command")
		if err := s.SetAngle(angle); err != nil {
			log.WithError(err).Warn("error setting servo angle")
		}
	})
}
