package worker

import (
	"featurebot/internal"

	"github.com/rs/zerolog"
)

// Logger is satisfied by *zerolog.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
}

func defaultLogger() Logger {
	return internal.NewLogger("worker")
}

// ZerologLogger adapts a zerolog logger; nil falls back to the worker default.
func ZerologLogger(l *zerolog.Logger) Logger {
	if l == nil {
		return defaultLogger()
	}
	return l
}
