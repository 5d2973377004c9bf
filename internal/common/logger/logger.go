package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// Logger interface defines the logging methods
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
}

// Config holds configuration for the logger
type Config struct {
	Level      zerolog.Level
	Console    bool
	File       bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// AlertHook receives every event at or above AlertLevel when set.
	AlertHook  zerolog.Hook
	AlertLevel zerolog.Level
}

type loggerImpl struct {
	zl zerolog.Logger
}

// DefaultConfig logs info and above to the console and to bicingtrips.log.
func DefaultConfig() Config {
	return Config{
		Level:      zerolog.InfoLevel,
		Console:    true,
		File:       true,
		FilePath:   "bicingtrips.log",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
		AlertLevel: zerolog.ErrorLevel,
	}
}

// NewFromConfig builds a logger writing to the console and/or a rotating file.
func NewFromConfig(cfg Config) Logger {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, ConsoleWriter())
	}
	if cfg.File && cfg.FilePath != "" {
		writers = append(writers, FileWriter(cfg))
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	zl := zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger().Level(cfg.Level)
	if cfg.AlertHook != nil {
		zl = zl.Hook(levelHook{min: cfg.AlertLevel, next: cfg.AlertHook})
	}
	return &loggerImpl{zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &loggerImpl{zl: zerolog.Nop()}
}

// ConsoleWriter returns a console writer
func ConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// FileWriter returns a rotating file writer for cfg.FilePath.
func FileWriter(cfg Config) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// ParseLogLevel maps a level name to a zerolog level, defaulting to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Info logs an info message
func (l *loggerImpl) Info(msg string, fields ...interface{}) {
	logWithFields(l.zl.Info(), msg, fields...)
}

// Warn logs a warning message
func (l *loggerImpl) Warn(msg string, fields ...interface{}) {
	logWithFields(l.zl.Warn(), msg, fields...)
}

// Error logs an error message
func (l *loggerImpl) Error(msg string, fields ...interface{}) {
	logWithFields(l.zl.Error(), msg, fields...)
}

// Debug logs a debug message
func (l *loggerImpl) Debug(msg string, fields ...interface{}) {
	logWithFields(l.zl.Debug(), msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *loggerImpl) Fatal(msg string, fields ...interface{}) {
	logWithFields(l.zl.Fatal(), msg, fields...)
}

// logWithFields adds structured fields to the event
func logWithFields(event *zerolog.Event, msg string, fields ...interface{}) {
	if event == nil {
		return
	}
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			event.Fields(m).Msg(msg)
			return
		}
	}
	// fallback: treat as key-value pairs
	if len(fields)%2 == 0 {
		for i := 0; i < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			if key == "error" {
				if err, ok := fields[i+1].(error); ok && err != nil {
					event = event.Err(err)
					continue
				}
			}
			event = event.Interface(key, fields[i+1])
		}
	}
	event.Msg(msg)
}

type levelHook struct {
	min  zerolog.Level
	next zerolog.Hook
}

func (h levelHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level >= h.min && level < zerolog.NoLevel {
		h.next.Run(e, level, msg)
	}
}
