package util

import (
	"os"

	"github.com/sirupsen/logrus"
)

// InitLogLevel sets the level of Logger from the LOG_LEVEL environment variable, if it is valid
func InitLogLevel() {
	level := os.Getenv("LOG_LEVEL")
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err == nil {
			Logger.SetLevel(lvl)
		} else {
			Logger.WithError(err).Warn("invalid LOG_LEVEL")
		}
	}
}

// Logger is global logger for the application
var Logger = logrus.New()
