package obs

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts the names String produces, in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return Debug, nil
	case "INFO", "":
		return Info, nil
	case "WARN", "WARNING":
		return Warn, nil
	case "ERROR":
		return Error, nil
	default:
		return Info, fmt.Errorf("obs: unknown level %q", s)
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is a minimal logging interface for observability.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(level Level, format string, args ...interface{}) {}

// ZapLogger adapts a zap sugared logger. Disabled levels are dropped before
// the message is formatted, so debug lines on the reactor hot path cost one
// level check.
type ZapLogger struct {
	L *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) ZapLogger {
	return ZapLogger{L: l.Sugar()}
}

// NewProductionLogger builds a JSON zap logger at level, or a console one
// when development is set.
func NewProductionLogger(level Level, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level.zap())
	return cfg.Build()
}

func (z ZapLogger) Logf(level Level, format string, args ...interface{}) {
	if z.L == nil {
		return
	}
	switch level {
	case Debug:
		z.L.Debugf(format, args...)
	case Info:
		z.L.Infof(format, args...)
	case Warn:
		z.L.Warnf(format, args...)
	default:
		z.L.Errorf(format, args...)
	}
}

// Named returns a child logger scoped to a component.
func (z ZapLogger) Named(name string) ZapLogger {
	if z.L == nil {
		return z
	}
	return ZapLogger{L: z.L.Named(name)}
}

// Named scopes l to a component when the implementation supports it.
func Named(l Logger, name string) Logger {
	if z, ok := l.(ZapLogger); ok {
		return z.Named(name)
	}
	if l == nil {
		return NopLogger{}
	}
	return l
}
