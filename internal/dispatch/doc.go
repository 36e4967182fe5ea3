// Package dispatch owns the pipeline's consumer side: a single goroutine
// drains producer messages from a bounded channel, persists records into the
// spool, and flushes batches through a transport.Sender with exponential
// backoff on transient failures.
package dispatch
