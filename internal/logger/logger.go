// Package logger provides the structured logging setup shared by
// veritasd and veritas-engine.
//
// Both processes log to stderr only. This is load-bearing for
// veritas-engine: when IPC mode is "stdout", stdout carries nothing but
// ##PROGRESS:-prefixed ProgressEvent lines (spec §4.8), so diagnostic
// logging must never touch it.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger.
//
// out is the destination stream; callers in veritas-engine MUST pass
// os.Stderr (never the handle used for Stdout-mode IPC).
func Initialize(level string, pretty bool, service string, out io.Writer) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var writer io.Writer = out
	if pretty {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// InitializeDefault configures a production JSON logger writing to stderr.
// Convenience for tests and small tools that don't need console mode.
func InitializeDefault(service string) {
	Initialize("info", false, service, os.Stderr)
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Engine creates a logger for the engine entry point (C8).
func Engine() *zerolog.Logger { return component("engine") }

// Orchestrator creates a logger for the state machine (C7).
func Orchestrator() *zerolog.Logger { return component("orchestrator") }

// Stage creates a logger for stage runners (C5).
func Stage() *zerolog.Logger { return component("stage") }

// EventBus creates a logger for the progress event bus (C1).
func EventBus() *zerolog.Logger { return component("event_bus") }

// IPC creates a logger for the IPC transport layer (C2).
func IPC() *zerolog.Logger { return component("ipc") }

// Repository creates a logger for the audit repository (C3).
func Repository() *zerolog.Logger { return component("repository") }

// Runner creates a logger for the API-side supervisor (C9).
func Runner() *zerolog.Logger { return component("runner") }

// WebSocket creates a logger for WebSocket fan-out.
func WebSocket() *zerolog.Logger { return component("websocket") }

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger { return component("http") }
