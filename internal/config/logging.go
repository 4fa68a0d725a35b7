package config

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// setupLogging applies the log settings process-wide.
func setupLogging(c LogConfig) {
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	log.SetOutput(os.Stdout)

	level, err := log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
		log.Warnf("unknown log level %q, using info", c.Level)
	}
	log.SetLevel(level)
}
