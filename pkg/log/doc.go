// Package log provides the SDK's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that routes records through a
// formatter/outputs pipeline, so slog-based wrappers can be layered on while
// output stays consistent across the codebase.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("dispatch"), log.Str("stream", "events"))
//	l.Info("batch delivered", log.Int("count", 40))
//
// # Interop
//
// RedirectStdLog routes standard library log output (Pebble logs through it)
// into a Logger. Tests can attach a CaptureOutput to assert on entries.
package log
