// Package logger provides component-scoped structured logging for wabot.
//
// The call shape is logger.InfoCF(component, message, fields). Records are
// written through a zap core so operators get either JSON lines or a console
// encoding, plus an optional log file.
package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the configured log level names.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Options controls logger construction.
type Options struct {
	Level Level
	// File, when set, receives a copy of every record.
	File string
	JSON bool
}

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Init replaces the process-wide logger. It is called once from the
// composition root; tests that never call it get a no-op logger.
func Init(opts Options) error {
	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(f), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(2))

	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

// Sync flushes buffered records.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

// Zap exposes the underlying logger for libraries that accept one.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func parseLevel(l Level) zapcore.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn, "warning":
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func log(level zapcore.Level, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()

	if ce := l.Check(level, msg); ce != nil {
		ce.Write(toFields(component, fields)...)
	}
}

// toFields renders the map in key order so records are stable across runs.
func toFields(component string, fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("component", component))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

func DebugC(component, msg string) { log(zapcore.DebugLevel, component, msg, nil) }
func InfoC(component, msg string)  { log(zapcore.InfoLevel, component, msg, nil) }
func WarnC(component, msg string)  { log(zapcore.WarnLevel, component, msg, nil) }
func ErrorC(component, msg string) { log(zapcore.ErrorLevel, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	log(zapcore.DebugLevel, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	log(zapcore.InfoLevel, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	log(zapcore.WarnLevel, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	log(zapcore.ErrorLevel, component, msg, fields)
}
