// Package logging initializes the process-wide zerolog logger: pretty
// console output on a TTY, structured JSON otherwise.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Init returns a logger tagged with the given service name.
func Init(serviceName string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return &logger
}

// SetLevel applies a configured log level string, defaulting to info on
// anything unrecognized.
func SetLevel(logger *zerolog.Logger, levelStr string) {
	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info", "":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}
	zerolog.SetGlobalLevel(level)
}

func isTerminal() bool {
	info, _ := os.Stdout.Stat()
	return (info.Mode() & os.ModeCharDevice) != 0
}
