package internal

import (
	"io"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

var logOutput io.Writer = os.Stdout

// ConfigureLogging sets the global level and output format ("json" or "text").
func ConfigureLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(format, "text") {
		logOutput = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006/01/02 15:04:05.000000"}
		return
	}
	logOutput = os.Stdout
}

// NewLogger returns a logger tagged with the component name.
func NewLogger(component string) *zerolog.Logger {
	name := "featurebot"
	if component != "" {
		name = name + "/" + component
	}
	logger := zerolog.New(logOutput).With().Timestamp().Str("component", name).Logger()
	return &logger
}

// WithRequestID derives a child logger that carries the request id.
func WithRequestID(logger *zerolog.Logger, requestID string) *zerolog.Logger {
	if logger == nil {
		logger = NewLogger("")
	}
	if requestID == "" {
		return logger
	}
	child := logger.With().Str("request_id", requestID).Logger()
	return &child
}

// WatermillLogger adapts a zerolog logger to watermill.LoggerAdapter.
func WatermillLogger(logger *zerolog.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = NewLogger("queue")
	}
	return watermillAdapter{logger: *logger}
}

type watermillAdapter struct {
	logger zerolog.Logger
}

func (a watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
