package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the package logger. Development gets a human readable
// console writer, production gets JSON lines.
func Init(environment string, debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if environment == "production" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}

	log = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger()
}

// Debug logs a message with optional key/value pairs at debug level.
func Debug(msg string, keyValues ...interface{}) {
	withFields(log.Debug(), keyValues).Msg(msg)
}

// Info logs a message with optional key/value pairs at info level.
func Info(msg string, keyValues ...interface{}) {
	withFields(log.Info(), keyValues).Msg(msg)
}

func Infof(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

// Warn logs a message with optional key/value pairs at warn level.
func Warn(msg string, keyValues ...interface{}) {
	withFields(log.Warn(), keyValues).Msg(msg)
}

func Warnf(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

// Error logs err together with a message and optional key/value pairs.
func Error(msg string, err error, keyValues ...interface{}) {
	withFields(log.Error().Err(err), keyValues).Msg(msg)
}

// Fatal logs err and exits the process.
func Fatal(msg string, err error) {
	log.Fatal().Err(err).Msg(msg)
}

func withFields(event *zerolog.Event, keyValues []interface{}) *zerolog.Event {
	for i := 0; i < len(keyValues); i += 2 {
		key := fmt.Sprint(keyValues[i])
		if i+1 >= len(keyValues) {
			event = event.Interface(key, nil)
			break
		}
		event = event.Interface(key, keyValues[i+1])
	}
	return event
}
