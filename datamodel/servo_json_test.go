package datamodel

import (
	"encoding/json"
	"testing"
	"time"

	"git.amikhalev.com/amikhalev/servod/logic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServoToJSON(t *testing.T) {
	pin := logic.PinID(22)
	servo, err := logic.NewServo(logic.ServoConfig{
		Name: "servo", Pin: &pin, Connection: logic.NewMockConnection(),
	})
	require.NoError(t, err)

	bytes, err := json.Marshal(ServoToJSON(1, servo, "servod/angle_servo"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"name":"servo","pin":22,"topic":"servod/angle_servo"}`, string(bytes))

	bytes, err = json.Marshal(ServoToJSON(0, servo, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":0,"name":"servo","pin":22}`, string(bytes))
}

func TestServoStateToJSON(t *testing.T) {
	ass := assert.New(t)

	bytes, err := json.Marshal(ServoStateToJSON(logic.ServoState{Lifecycle: logic.ServoUnstarted}))
	require.NoError(t, err)
	ass.JSONEq(`{"state":"unstarted","angle":null,"lastWrite":null}`, string(bytes))

	angle := 45
	when := time.Date(2017, 3, 4, 5, 6, 7, 0, time.UTC)
	bytes, err = json.Marshal(ServoStateToJSON(logic.ServoState{
		Lifecycle: logic.ServoStarted, Angle: &angle, LastWrite: &when,
	}))
	require.NoError(t, err)
	ass.JSONEq(`{"state":"started","angle":45,"lastWrite":"2017-03-04T05:06:07Z"}`, string(bytes))
}
