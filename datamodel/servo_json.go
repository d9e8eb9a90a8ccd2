package datamodel

import (
	"time"

	"git.amikhalev.com/amikhalev/servod/logic"
)

// ServoJSON is the JSON representation of the data of a Servo
type ServoJSON struct {
	ID    int         `json:"id"`
	Name  string      `json:"name"`
	Pin   logic.PinID `json:"pin"`
	Topic string      `json:"topic,omitempty"`
}

// ServoToJSON returns the JSON representation of servo. id is the index of the servo, and topic is the
// topic it listens for angles on (if any)
func ServoToJSON(id int, servo *logic.Servo, topic string) ServoJSON {
	return ServoJSON{id, servo.Name(), servo.Pin(), topic}
}

// ServoStateJSON is the JSON representation of a ServoState
type ServoStateJSON struct {
	State     string     `json:"state"`
	Angle     *int       `json:"angle"`
	LastWrite *time.Time `json:"lastWrite"`
}

// ServoStateToJSON returns the JSON representation of state
func ServoStateToJSON(state logic.ServoState) ServoStateJSON {
	return ServoStateJSON{state.Lifecycle.String(), state.Angle, state.LastWrite}
}
