// Package logging builds the zap loggers shared by the binaries.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewEncoderConfig mirrors zap's development config but with production keys and
// without stack traces.
func NewEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// ParseLevel accepts the usual names and falls back to info.
func ParseLevel(name string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// New returns a logger writing to stdout and, when file is set, to a rotated log file.
func New(level string, file string) *zap.SugaredLogger {
	atom := zap.NewAtomicLevelAt(ParseLevel(level))
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(NewEncoderConfig()), zapcore.Lock(os.Stdout), atom),
	}
	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), zapcore.AddSync(rotated), atom))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
}

// EveryN logs only every nth call. Hot loops use it so a dead device cannot flood the log.
type EveryN struct {
	mu    sync.Mutex
	n     int
	count int
}

func NewEveryN(n int) *EveryN {
	if n < 1 {
		n = 1
	}
	return &EveryN{n: n}
}

// Allow reports whether the current call should be logged. The first call always is.
func (e *EveryN) Allow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
	return e.count%e.n == 1 || e.n == 1
}
