package main

import (
	"os"
	"os/signal"
	"syscall"

	c "git.amikhalev.com/amikhalev/servod/config"
	"git.amikhalev.com/amikhalev/servod/logic"
	"git.amikhalev.com/amikhalev/servod/mqtt"
	"git.amikhalev.com/amikhalev/servod/util"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	var logger = util.Logger.WithField("module", "server")
	// channel which is notified on an interrupt signal
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("error loading .env")
	}
	util.InitLogLevel()

	config, err := c.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatalf("error loading config")
	}

	logger.Info("writing back config")
	if err = c.WriteConfig(&config); err != nil {
		logger.WithError(err).Warn("error writing back config")
	}

	err = config.Connection.Initialize()
	if err != nil {
		logger.WithError(err).Fatalf("error initializing connection")
	}

	servos := config.Servos
	updater := mqtt.NewMQTTUpdater(&config)

	api := mqtt.NewMQTTApi(&config)
	if err = api.Start(); err != nil {
		logger.WithError(err).Fatalf("error starting mqtt api")
	}
	// servos block on state updates, so the updater runs before any of them start
	updater.Start(api)

	haltAll := func() {
		for _, servo := range servos {
			if err := <-servo.Halt(); err != nil {
				logger.WithError(err).WithField("servo", servo.Name()).Error("error halting servo")
			}
		}
	}

	logger.Debug("starting servos")
	for i, servo := range servos {
		if err := startServo(servo, api, config.Topics[i]); err != nil {
			logger.WithError(err).WithField("servo", servo.Name()).Error("error starting servo")
			haltAll()
			updater.Stop()
			api.Stop()
			config.Connection.Deinitialize()
			os.Exit(1)
		}
	}

	logger.WithFields(log.Fields{
		"lenServos": len(servos), "connection": config.Connection.Name(),
	}).Info("started servos")

	sig := <-sigc

	logger.WithField("signal", sig).Info("cleaning up...")
	haltAll()
	updater.Stop()
	api.Stop()
	if err = config.Connection.Deinitialize(); err != nil {
		logger.WithError(err).Error("error deinitializing connection")
	}
}

func startServo(servo *logic.Servo, api *mqtt.MQTTApi, topic string) error {
	if err := <-servo.Start(); err != nil {
		return err
	}
	return servo.Listen(api, topic)
}
