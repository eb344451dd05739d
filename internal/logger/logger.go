package logger

import (
	"os"

	log "github.com/sirupsen/logrus"
)

var logger = log.New()

func init() {
	logger.Out = os.Stdout
	logger.Formatter = &log.JSONFormatter{}
	if os.Getenv("APP_ENV") == "dev" {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
}

// L returns the shared structured logger.
func L() *log.Logger {
	return logger
}

// With returns an entry carrying the given fields.
func With(fields log.Fields) *log.Entry {
	return logger.WithFields(fields)
}
