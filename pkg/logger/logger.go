// Package logger provides the daemon's structured JSON logger.
//
// Every log line is a single JSON object with ts/level/message plus whatever
// fields the call site attaches. There is one process-global logger (see the
// "Global state" design note in spec.md §9); packages log through the
// package-level Infof/Warnf/Errorf/Debugf functions rather than threading a
// logger value through every call.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

// Options configures Initialize.
type Options struct {
	// FilePath is the rotating log file path. Empty disables file output.
	FilePath string
	// MaxBytes is the size threshold that triggers rotation.
	MaxBytes int64
	// MaxFiles is how many rotated files (file.1 .. file.N) are retained.
	MaxFiles int
	// MirrorStdout also writes every line to stdout.
	MirrorStdout bool
	// Debug enables debug-level output.
	Debug bool
}

// Initialize installs the global logger. It is safe to call more than once
// (e.g. on config reload); the previous logger is replaced atomically.
func Initialize(opts Options) error {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "message",
		NameKey:        "logger",
		CallerKey:      "",
		StacktraceKey:  "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encCfg)

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	var cores []zapcore.Core
	if opts.FilePath != "" {
		rw, err := newRotatingWriter(opts.FilePath, opts.MaxBytes, opts.MaxFiles)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rw), level))
	}
	if opts.MirrorStdout || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...)).Sugar()

	mu.Lock()
	log = l
	mu.Unlock()
	return nil
}

// InitializeDefault installs a stdout-only logger; used by tests and by any
// code path that runs before configuration has been resolved.
func InitializeDefault() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		return
	}
	enc := zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		MessageKey:  "message",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeTime:  zapcore.ISO8601TimeEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)
	log = zap.New(core).Sugar()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		InitializeDefault()
		mu.RLock()
		l = log
		mu.RUnlock()
	}
	return l
}

// Sync flushes any buffered log entries. Best-effort: sync errors on stdout
// are common and never surfaced to the caller.
func Sync() {
	_ = get().Sync()
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) { get().Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { get().Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...any) { get().Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { get().Errorf(format, args...) }

// With returns a field-scoped logger for structured call sites that want to
// attach several key/value pairs instead of formatting them into a string.
func With(kv ...any) *zap.SugaredLogger {
	return get().With(kv...)
}
