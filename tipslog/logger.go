// Package tipslog provides the structured, leveled logger used by
// every TIPS component: a thin zerolog wrapper selecting level and
// JSON-or-pretty output from configuration.
package tipslog

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity a logger will emit.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level   Level
	Format  Format
	Service string // identifies the component in every emitted record
}

// New builds a zerolog.Logger configured per cfg. Unknown levels
// default to info.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	case LevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "tips"
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic is installed in every goroutine defer this module spawns
// (worker pool tasks, pump loops, network engine loops) so a panic is
// logged with a stack trace and the goroutine's caller keeps running
// instead of bringing the process down.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
