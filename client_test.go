package mixpanel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/discohead/mixpanel-go/internal/spool"
	"github.com/discohead/mixpanel-go/internal/transport"
	"github.com/discohead/mixpanel-go/pkg/id"
	logpkg "github.com/discohead/mixpanel-go/pkg/log"
)

// captureSender records every batch and replays a scripted result sequence,
// answering Accepted once the script runs out.
type captureSender struct {
	mu     sync.Mutex
	script []transport.Result
	calls  []capturedCall
}

type capturedCall struct {
	stream   spool.Stream
	payloads [][]byte
}

func (s *captureSender) Send(_ context.Context, stream spool.Stream, payloads [][]byte) transport.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([][]byte, len(payloads))
	for i, p := range payloads {
		cp[i] = append([]byte(nil), p...)
	}
	s.calls = append(s.calls, capturedCall{stream: stream, payloads: cp})
	if len(s.script) > 0 {
		res := s.script[0]
		s.script = s.script[1:]
		return res
	}
	return transport.Result{Status: transport.Accepted}
}

func (s *captureSender) snapshot() []capturedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedCall(nil), s.calls...)
}

func testLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel), logpkg.WithOutput(logpkg.NewCaptureOutput()))
}

func newTestClient(t *testing.T, sender transport.Sender, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithDataDir(t.TempDir()),
		WithSender(sender),
		WithFlushInterval(time.Hour),
		WithFlushAt(1000),
		WithLogger(testLogger()),
	}
	c, err := New("test-token", append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func decodeEvent(t *testing.T, payload []byte) (string, map[string]any) {
	t.Helper()
	var rec struct {
		Event      string         `json:"event"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return rec.Event, rec.Properties
}

func TestTrackStampsReservedProperties(t *testing.T) {
	sender := &captureSender{}
	c := newTestClient(t, sender)

	c.Track("signup", map[string]any{"plan": "pro", "token": "spoofed"})
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	calls := sender.snapshot()
	if len(calls) != 1 || calls[0].stream != spool.StreamEvents {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	event, props := decodeEvent(t, calls[0].payloads[0])
	if event != "signup" {
		t.Fatalf("event = %q", event)
	}
	if props["plan"] != "pro" {
		t.Fatalf("caller property lost: %v", props["plan"])
	}
	if props["token"] != "test-token" {
		t.Fatalf("token not stamped over caller value: %v", props["token"])
	}
	if s, _ := props["$insert_id"].(string); s == "" {
		t.Fatal("missing $insert_id")
	}
	if s, _ := props["distinct_id"].(string); s == "" {
		t.Fatal("missing distinct_id")
	}
	if ts, _ := props["time"].(float64); ts <= 0 {
		t.Fatal("missing time")
	}
}

func TestTrackStampsInsertIDIntoSpoolMeta(t *testing.T) {
	// a transient failure keeps the entry spooled so its metadata is
	// observable after the enqueue is processed
	sender := &captureSender{script: []transport.Result{
		{Status: transport.TransientFailure, Reason: "connection refused"},
	}}
	c := newTestClient(t, sender)

	c.Track("signup", nil)
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err := c.sp.Oldest(spool.StreamEvents, 0, 0)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 spooled entry, got %d", len(entries))
	}
	iid, ok := id.FromBytes(entries[0].Meta)
	if !ok || iid.IsZero() {
		t.Fatalf("entry meta is not a valid insert id: %v", entries[0].Meta)
	}
	_, props := decodeEvent(t, entries[0].Payload)
	if props["$insert_id"] != iid.String() {
		t.Fatalf("meta %s does not match $insert_id %v", iid, props["$insert_id"])
	}
}

func TestTrackEmptyEventNameDropped(t *testing.T) {
	sender := &captureSender{}
	c := newTestClient(t, sender)

	c.Track("", map[string]any{"plan": "pro"})
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if calls := sender.snapshot(); len(calls) != 0 {
		t.Fatalf("empty-name event was sent: %+v", calls)
	}
}

func TestTrackNilPropertiesNormalized(t *testing.T) {
	sender := &captureSender{}
	c := newTestClient(t, sender)

	c.Track("ping", nil)
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	calls := sender.snapshot()
	if len(calls) != 1 {
		t.Fatalf("want 1 send, got %d", len(calls))
	}
	_, props := decodeEvent(t, calls[0].payloads[0])
	if props["token"] != "test-token" {
		t.Fatal("reserved properties missing on nil-props event")
	}
}

func TestIdentifySwitchesIdentity(t *testing.T) {
	sender := &captureSender{}
	c := newTestClient(t, sender)

	anon := c.DistinctID()
	c.Track("before", nil)
	c.Identify("user-1")
	c.Track("after", nil)
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	calls := sender.snapshot()
	if len(calls) != 1 || len(calls[0].payloads) != 2 {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	_, first := decodeEvent(t, calls[0].payloads[0])
	_, second := decodeEvent(t, calls[0].payloads[1])
	if first["distinct_id"] != anon {
		t.Fatalf("pre-identify event carries %v, want %v", first["distinct_id"], anon)
	}
	if second["distinct_id"] != "user-1" {
		t.Fatalf("post-identify event carries %v", second["distinct_id"])
	}
}

func TestFlushDeliversInOrderAndDrains(t *testing.T) {
	sender := &captureSender{}
	c := newTestClient(t, sender)

	for _, name := range []string{"a", "b", "c"} {
		c.Track(name, nil)
	}
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	calls := sender.snapshot()
	if len(calls) != 1 || len(calls[0].payloads) != 3 {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	for i, want := range []string{"a", "b", "c"} {
		event, _ := decodeEvent(t, calls[0].payloads[i])
		if event != want {
			t.Fatalf("position %d holds %q, want %q", i, event, want)
		}
	}

	// drained: a second pass has nothing to send
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if calls := sender.snapshot(); len(calls) != 1 {
		t.Fatalf("spool not drained after accepted batch: %d calls", len(calls))
	}
}

func TestUpdateConfigAppliesBatchSize(t *testing.T) {
	sender := &captureSender{}
	c := newTestClient(t, sender)

	c.UpdateConfig(WithMaxBatchSize(1))
	for i := 0; i < 3; i++ {
		c.Track("x", nil)
	}
	if err := c.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if calls := sender.snapshot(); len(calls) != 3 {
		t.Fatalf("want 3 single-record sends, got %d", len(calls))
	}
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	sender := &captureSender{}
	dir := t.TempDir()
	c, err := New("test-token",
		WithDataDir(dir), WithSender(sender), WithFlushInterval(time.Hour),
		WithFlushAt(1000), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	c.Track("goodbye", nil)
	ctx := context.Background()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if calls := sender.snapshot(); len(calls) != 1 {
		t.Fatalf("close did not flush: %d calls", len(calls))
	}
}

func TestSpoolSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	failing := &captureSender{script: []transport.Result{
		{Status: transport.TransientFailure, Reason: "connection refused"},
		{Status: transport.TransientFailure, Reason: "connection refused"},
	}}
	c1, err := New("test-token",
		WithDataDir(dir), WithSender(failing), WithFlushInterval(time.Hour),
		WithFlushAt(1000), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c1.Track("persisted", nil)
	if err := c1.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := c1.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	accepting := &captureSender{}
	c2, err := New("test-token",
		WithDataDir(dir), WithSender(accepting), WithFlushInterval(time.Hour),
		WithFlushAt(1000), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("reopen client: %v", err)
	}
	defer c2.Close(context.Background())

	if err := c2.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	calls := accepting.snapshot()
	if len(calls) != 1 {
		t.Fatalf("want 1 send after restart, got %d", len(calls))
	}
	event, _ := decodeEvent(t, calls[0].payloads[0])
	if event != "persisted" {
		t.Fatalf("recovered wrong event: %q", event)
	}
}
