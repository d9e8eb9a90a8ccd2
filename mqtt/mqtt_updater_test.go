package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"git.amikhalev.com/amikhalev/servod/datamodel"
)

func (s *MQTTApiSuite) lastState(index int) (state datamodel.ServoStateJSON, ok bool) {
	payload, ok := s.client.last(fmt.Sprintf("robot/servos/%d/state", index))
	if !ok {
		return
	}
	ok = json.Unmarshal([]byte(payload), &state) == nil
	return
}

func (s *MQTTApiSuite) waitState(index int, lifecycle string, angle *int) {
	s.Eventually(func() bool {
		state, ok := s.lastState(index)
		if !ok || state.State != lifecycle {
			return false
		}
		if angle == nil {
			return state.Angle == nil
		}
		return state.Angle != nil && *state.Angle == *angle
	}, 500*time.Millisecond, time.Millisecond, "servo %d never reached %s", index, lifecycle)
}

func (s *MQTTApiSuite) TestUpdater() {
	updater := NewMQTTUpdater(s.config)
	s.start()
	updater.Start(s.api)
	defer updater.Stop()
	servo := s.config.Servos[0]

	s.Require().NoError(<-servo.Start())
	s.waitState(0, "started", nil)

	angle := 40
	s.Require().NoError(servo.SetAngle(angle))
	s.waitState(0, "started", &angle)

	s.Require().NoError(<-servo.Halt())
	s.waitState(0, "halted", &angle)
}
