// Package logging provides levelled, printf-style logging in either a
// human-readable text format or line-delimited JSON.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
}

var (
	mu     sync.RWMutex
	level  = LevelInfo
	atom   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	output io.Writer
	format = "text"
	sugar  *zap.SugaredLogger
)

func init() {
	rebuild()
}

// rebuild must be called with mu held (or during init).
func rebuild() {
	var w io.Writer = os.Stdout
	if output != nil {
		w = output
	}

	var enc zapcore.Encoder
	if format == "json" {
		cfg := zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		}
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zapcore.EncoderConfig{
			TimeKey:          "ts",
			LevelKey:         "level",
			MessageKey:       "msg",
			LineEnding:       zapcore.DefaultLineEnding,
			ConsoleSeparator: " ",
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString("[" + l.CapitalString() + "]")
			},
			EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
			EncodeDuration: zapcore.StringDurationEncoder,
		}
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), atom)
	sugar = zap.New(core).Sugar()
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	atom.SetLevel(l.zapLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// SetOutput redirects log output. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// SetFormat selects "text" or "json" output. Unknown values fall back to text.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if strings.ToLower(f) == "json" {
		format = "json"
	} else {
		format = "text"
	}
	rebuild()
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) {
	logger().Debugf(format, args...)
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	logger().Infof(format, args...)
}

// Warn logs at warn level.
func Warn(format string, args ...interface{}) {
	logger().Warnf(format, args...)
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	logger().Errorf(format, args...)
}

// Sync flushes any buffered output.
func Sync() {
	_ = logger().Sync()
}
