package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// logger is the base logger for the program. It is replaced by
// configureLogging once flags are parsed.
var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// configureLogging sets up the base logger to write human-readable records
// to stderr at the given level. If level is empty or invalid, the LOG_LEVEL
// environment variable is consulted, and then the default is info.
func configureLogging(level string) {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(level); err == nil && level != "" {
		lvl = parsed
	} else if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	logger = zerolog.New(out).With().Timestamp().Str("service", "kscape").Logger()
}

// withComponent returns a child logger annotated with the given component.
func withComponent(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
