// Package transport performs synchronous batch submissions to the ingestion
// API and classifies each outcome as Accepted, Rejected, or TransientFailure.
// It holds no queue and no retry policy; the dispatcher owns both.
//
// One batch is one HTTP POST of a JSON array to the stream's path (/track,
// /engage, /groups) under the configured base URL. Payloads are stored
// pre-serialized in the spool and joined verbatim, preserving order.
package transport
