package mqtt

import (
	"git.amikhalev.com/amikhalev/servod/config"
	"git.amikhalev.com/amikhalev/servod/logic"
	"git.amikhalev.com/amikhalev/servod/util"
	"github.com/sirupsen/logrus"
)

// MQTTUpdater updates MQTT topics with the current state of the servos
type MQTTUpdater struct {
	config        *config.ConfigData
	onServoUpdate chan logic.ServoUpdate
	stop          chan struct{}
	stopped       chan struct{}
	api           *MQTTApi
	logger        *logrus.Entry
}

// NewMQTTUpdater creates a new MQTTUpdater which uses the specified state. It must be created before
// any of the servos are started
func NewMQTTUpdater(config *config.ConfigData) *MQTTUpdater {
	onServoUpdate := make(chan logic.ServoUpdate, 10)
	for _, servo := range config.Servos {
		servo.SetUpdateChan(onServoUpdate)
	}
	return &MQTTUpdater{
		config,
		onServoUpdate, make(chan struct{}), make(chan struct{}), nil,
		util.Logger.WithField("module", "MQTTUpdater"),
	}
}

// UpdateServos updates the topics for all servos
func (u *MQTTUpdater) UpdateServos() {
	if err := u.api.UpdateServos(); err != nil {
		u.logger.WithError(err).Error("error updating servos")
	}
}

func (u *MQTTUpdater) indexOf(servo *logic.Servo) int {
	for i, s := range u.config.Servos {
		if s == servo {
			return i
		}
	}
	return -1
}

func (u *MQTTUpdater) run() {
	defer close(u.stopped)
	u.logger.Debug("starting updater")
	u.UpdateServos()
	for {
		select {
		case <-u.stop:
			return
		case servoUpdate := <-u.onServoUpdate:
			// a burst of updates is published as a single update of every servo
			if util.ExhaustChan(u.onServoUpdate) > 0 {
				u.UpdateServos()
				continue
			}

			index := u.indexOf(servoUpdate.Servo)
			if index == -1 {
				u.logger.Panicf("invalid servo update recieved: %v", servoUpdate.Servo)
			}

			err := u.api.UpdateServoState(index, servoUpdate.Servo)
			if err != nil {
				u.logger.WithError(err).Error("error updating servo state")
			}
		}
	}
}

// Start starts the MQTTUpdater to listen and update topics
func (u *MQTTUpdater) Start(api *MQTTApi) {
	u.api = api
	go u.run()
}

// Stop stops the updater from updating topics. All servos must be halted first
func (u *MQTTUpdater) Stop() {
	close(u.stop)
	<-u.stopped
}
