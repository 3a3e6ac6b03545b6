// Package logger holds the process-wide zap logger for the tile build.
// The CLI configures it once at startup; every pipeline stage reaches it
// through Get. Console output is always on; long imports can add a
// size-rotated JSON file so progress and metrics survive the terminal.
package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.Mutex
	log *zap.Logger
)

// Setup configures the global logger. debug selects Debug level with the
// development console encoder (pass progress logs are Debug). logFile, when
// non-empty, adds a rotating JSON core. The first configuration wins;
// later calls are no-ops.
func Setup(debug bool, logFile string) {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		return
	}
	cores := []zapcore.Core{consoleCore(debug)}
	if logFile != "" {
		cores = append(cores, fileCore(logFile, debug))
	}
	log = zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

func consoleCore(debug bool) zapcore.Core {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	level := zapcore.InfoLevel
	if debug {
		enc = zap.NewDevelopmentEncoderConfig()
		level = zapcore.DebugLevel
	}
	return zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stdout), level)
}

func fileCore(path string, debug bool) zapcore.Core {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB, a planet import logs a lot of chunk activity
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(rotated), level)
}

// Get returns the global logger, configuring console-only defaults if Setup
// was never called (tests, library use).
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		log = zap.New(consoleCore(false), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return log
}

// Sync flushes any buffered log entries; called on CLI exit.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		log.Sync()
	}
}
