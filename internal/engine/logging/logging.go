// Package logging defines the structured logging contract the engine and
// providers log through, and adapts it to Watermill's LoggerAdapter so the
// queue reconciler's underlying transport logs through the same sink.
package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// Fields is structured key/value logging context.
type Fields map[string]any

// Logger is the minimal logging contract nimbuscall components depend on.
type Logger interface {
	With(fields Fields) Logger
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
	Trace(msg string, fields Fields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogLogger wraps a slog.Logger so it satisfies Logger.
func NewSlogLogger(log *slog.Logger) Logger {
	if log == nil {
		panic("nimbuscall: slog logger cannot be nil")
	}
	return NewWatermillLogger(watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping))
}

// NewWatermillLogger wraps a Watermill LoggerAdapter so it can be used as a
// Logger, for callers who already have one configured.
func NewWatermillLogger(logger watermill.LoggerAdapter) Logger {
	if logger == nil {
		panic("nimbuscall: watermill logger cannot be nil")
	}
	return &watermillLogger{inner: logger}
}

type watermillLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillLogger) With(fields Fields) Logger {
	return &watermillLogger{inner: w.inner.With(toWatermill(fields))}
}

func (w *watermillLogger) Debug(msg string, fields Fields) { w.inner.Debug(msg, toWatermill(fields)) }
func (w *watermillLogger) Info(msg string, fields Fields)  { w.inner.Info(msg, toWatermill(fields)) }
func (w *watermillLogger) Error(msg string, err error, fields Fields) {
	w.inner.Error(msg, err, toWatermill(fields))
}
func (w *watermillLogger) Trace(msg string, fields Fields) { w.inner.Trace(msg, toWatermill(fields)) }

type loggerAsWatermillAdapter struct {
	base Logger
}

// NewWatermillAdapter converts a Logger into a watermill.LoggerAdapter so the
// reconciler's Watermill router/subscriber can log through the engine's
// configured sink.
func NewWatermillAdapter(log Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("nimbuscall: Logger cannot be nil")
	}
	return &loggerAsWatermillAdapter{base: log}
}

func (a *loggerAsWatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.base.Error(msg, err, fromWatermill(fields))
}
func (a *loggerAsWatermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.base.Info(msg, fromWatermill(fields))
}
func (a *loggerAsWatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.base.Debug(msg, fromWatermill(fields))
}
func (a *loggerAsWatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.base.Trace(msg, fromWatermill(fields))
}
func (a *loggerAsWatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAsWatermillAdapter{base: a.base.With(fromWatermill(fields))}
}

func toWatermill(f Fields) watermill.LogFields {
	if len(f) == 0 {
		return nil
	}
	return watermill.LogFields(f)
}

func fromWatermill(f watermill.LogFields) Fields {
	if len(f) == 0 {
		return nil
	}
	return Fields(f)
}
