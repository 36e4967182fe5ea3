package log

import (
	"io"
	stdlog "log"
	"os"
	"sync"
)

// ConsoleOutput writes formatted entries to a writer (stderr by default).
type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleOutput returns a ConsoleOutput writing to stderr.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{w: os.Stderr}
}

// NewWriterOutput returns a ConsoleOutput writing to the given writer.
func NewWriterOutput(w io.Writer) *ConsoleOutput {
	return &ConsoleOutput{w: w}
}

// Write implements Output.
func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.w.Write(formatted)
	return err
}

// Close implements Output.
func (o *ConsoleOutput) Close() error { return nil }

// CaptureOutput records entries in memory. Intended for tests.
type CaptureOutput struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCaptureOutput returns an empty CaptureOutput.
func NewCaptureOutput() *CaptureOutput { return &CaptureOutput{} }

// Write implements Output.
func (o *CaptureOutput) Write(entry *Entry, _ []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := *entry
	// copy fields so later mutation by the caller cannot race
	e.Fields = make(Fields, len(entry.Fields))
	for k, v := range entry.Fields {
		e.Fields[k] = v
	}
	o.entries = append(o.entries, e)
	return nil
}

// Close implements Output.
func (o *CaptureOutput) Close() error { return nil }

// Entries returns a snapshot of captured entries.
func (o *CaptureOutput) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Entry(nil), o.entries...)
}

// RedirectStdLog routes standard library log output (used by Pebble) through
// the provided logger at InfoLevel.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogWriter{logger: logger})
}

type stdLogWriter struct {
	logger Logger
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	w.logger.Info(msg, Str("source", "stdlog"))
	return len(p), nil
}
