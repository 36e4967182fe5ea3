package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/discohead/mixpanel-go/internal/spool"
	logpkg "github.com/discohead/mixpanel-go/pkg/log"
)

// Status classifies the outcome of one batch submission.
type Status int

const (
	// Accepted means the endpoint confirmed receipt; the caller must remove
	// the batch from the spool.
	Accepted Status = iota
	// Rejected means the endpoint permanently refused the payload; retrying
	// would loop forever, so the caller discards the batch.
	Rejected
	// TransientFailure covers network errors, timeouts, and server-side
	// conditions worth retrying with backoff.
	TransientFailure
)

// String returns the label used in logs and metrics.
func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TransientFailure:
		return "transient"
	default:
		return "unknown"
	}
}

// Result is the classified outcome of Send.
type Result struct {
	Status Status
	Reason string
}

// Sender submits one batch synchronously. It knows nothing about queuing or
// retry policy; classification of the outcome is its whole job.
type Sender interface {
	Send(ctx context.Context, stream spool.Stream, payloads [][]byte) Result
}

// streamPaths maps each stream to its ingestion path.
var streamPaths = map[spool.Stream]string{
	spool.StreamEvents: "/track",
	spool.StreamPeople: "/engage",
	spool.StreamGroups: "/groups",
}

// HTTPTransport posts JSON-array batches to the ingestion API.
type HTTPTransport struct {
	client *http.Client
	logger logpkg.Logger

	mu      sync.RWMutex
	apiHost string
}

// New returns an HTTPTransport targeting apiHost with the given per-request
// timeout.
func New(apiHost string, timeout time.Duration, logger logpkg.Logger) *HTTPTransport {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		logger:  logger.WithComponent("transport"),
		apiHost: strings.TrimRight(apiHost, "/"),
	}
}

// SetAPIHost atomically swaps the endpoint base URL.
func (t *HTTPTransport) SetAPIHost(apiHost string) {
	t.mu.Lock()
	t.apiHost = strings.TrimRight(apiHost, "/")
	t.mu.Unlock()
}

// Send posts the payloads as one JSON array to the stream's ingestion path.
// Each payload must already be a serialized JSON object; they are joined
// without re-marshaling so stored bytes go out verbatim and in order.
func (t *HTTPTransport) Send(ctx context.Context, stream spool.Stream, payloads [][]byte) Result {
	if len(payloads) == 0 {
		return Result{Status: Accepted}
	}
	t.mu.RLock()
	url := t.apiHost + streamPaths[stream]
	t.mu.RUnlock()

	body := joinJSONArray(payloads)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Status: Rejected, Reason: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{Status: TransientFailure, Reason: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classify(resp.StatusCode, respBody)
}

// classify maps an HTTP response to a Result. Any non-2xx or connection
// failure is transient unless the response carries an explicit permanent
// rejection: a non-retriable 4xx status, or the ingestion API's literal "0"
// body on an otherwise successful response.
func classify(status int, body []byte) Result {
	switch {
	case status >= 200 && status < 300:
		if strings.TrimSpace(string(body)) == "0" {
			return Result{Status: Rejected, Reason: "api returned 0"}
		}
		return Result{Status: Accepted}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Result{Status: TransientFailure, Reason: http.StatusText(status)}
	case status >= 400 && status < 500:
		reason := http.StatusText(status)
		if s := strings.TrimSpace(string(body)); s != "" {
			reason += ": " + s
		}
		return Result{Status: Rejected, Reason: reason}
	default:
		return Result{Status: TransientFailure, Reason: http.StatusText(status)}
	}
}

// joinJSONArray wraps pre-serialized JSON objects into one array body.
func joinJSONArray(payloads [][]byte) []byte {
	size := 2
	for _, p := range payloads {
		size += len(p) + 1
	}
	out := make([]byte, 0, size)
	out = append(out, '[')
	for i, p := range payloads {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, p...)
	}
	return append(out, ']')
}
