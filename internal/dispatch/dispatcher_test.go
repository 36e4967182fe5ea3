package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/discohead/mixpanel-go/internal/config"
	"github.com/discohead/mixpanel-go/internal/spool"
	pebblestore "github.com/discohead/mixpanel-go/internal/storage/pebble"
	"github.com/discohead/mixpanel-go/internal/transport"
	logpkg "github.com/discohead/mixpanel-go/pkg/log"
)

// fakeSender replays a scripted sequence of results and records every call.
// Once the script is exhausted it keeps answering Accepted.
type fakeSender struct {
	mu     sync.Mutex
	script []transport.Result
	calls  []senderCall
	gate   chan struct{} // when non-nil, Send blocks until the gate closes
}

type senderCall struct {
	stream   spool.Stream
	payloads [][]byte
	at       time.Time
}

func (f *fakeSender) Send(_ context.Context, stream spool.Stream, payloads [][]byte) transport.Result {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([][]byte, len(payloads))
	for i, p := range payloads {
		cp[i] = append([]byte(nil), p...)
	}
	f.calls = append(f.calls, senderCall{stream: stream, payloads: cp, at: time.Now()})
	if len(f.script) > 0 {
		res := f.script[0]
		f.script = f.script[1:]
		return res
	}
	return transport.Result{Status: transport.Accepted}
}

func (f *fakeSender) snapshot() []senderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]senderCall(nil), f.calls...)
}

func (f *fakeSender) waitCalls(t *testing.T, n int, timeout time.Duration) []senderCall {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		calls := f.snapshot()
		if len(calls) >= n {
			return calls
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends, got %d", n, len(calls))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.FlushIntervalMs = int((time.Hour).Milliseconds()) // tests drive flushes explicitly
	cfg.FlushAt = 1000
	cfg.Backoff.BaseMs = 20
	cfg.Backoff.CapMs = 200
	cfg.Backoff.Factor = 2.0
	return cfg
}

func newTestDispatcher(t *testing.T, cfg config.Config, sender transport.Sender) (*Dispatcher, *spool.Spool) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sp, err := spool.Open(db, "token-a", testLogger())
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	d := New(sp, sender, cfg, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d, sp
}

func testLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel), logpkg.WithOutput(logpkg.NewCaptureOutput()))
}

func TestFlushDeliversInOrder(t *testing.T) {
	sender := &fakeSender{}
	d, sp := newTestDispatcher(t, testConfig(), sender)

	for _, body := range []string{`{"event":"a"}`, `{"event":"b"}`, `{"event":"c"}`} {
		if !d.Enqueue(spool.StreamEvents, nil, []byte(body)) {
			t.Fatal("enqueue refused")
		}
	}
	if err := d.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	calls := sender.snapshot()
	if len(calls) != 1 {
		t.Fatalf("want 1 send, got %d", len(calls))
	}
	got := calls[0].payloads
	if len(got) != 3 || string(got[0]) != `{"event":"a"}` || string(got[2]) != `{"event":"c"}` {
		t.Fatalf("payloads out of order: %q", got)
	}
	if n := sp.Count(spool.StreamEvents); n != 0 {
		t.Fatalf("spool not drained, %d left", n)
	}
}

func TestFlushSplitsByBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, cfg, sender)

	for i := 0; i < 5; i++ {
		d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"x"}`))
	}
	if err := d.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	calls := sender.snapshot()
	if len(calls) != 3 {
		t.Fatalf("want 3 sends, got %d", len(calls))
	}
	for i, want := range []int{2, 2, 1} {
		if len(calls[i].payloads) != want {
			t.Fatalf("send %d carried %d payloads, want %d", i, len(calls[i].payloads), want)
		}
	}
}

func TestFlushAtThresholdTriggersSend(t *testing.T) {
	cfg := testConfig()
	cfg.FlushAt = 2
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, cfg, sender)

	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"a"}`))
	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"b"}`))

	calls := sender.waitCalls(t, 1, time.Second)
	if len(calls[0].payloads) != 2 {
		t.Fatalf("want both records in one batch, got %d", len(calls[0].payloads))
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.FlushAt = 1
	sender := &fakeSender{script: []transport.Result{
		{Status: transport.TransientFailure, Reason: "status 503"},
		{Status: transport.TransientFailure, Reason: "status 503"},
	}}
	d, sp := newTestDispatcher(t, cfg, sender)

	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"a"}`))

	calls := sender.waitCalls(t, 3, 2*time.Second)
	// same record resent every time; removed only after acceptance
	for i, c := range calls[:3] {
		if len(c.payloads) != 1 || string(c.payloads[0]) != `{"event":"a"}` {
			t.Fatalf("send %d resent wrong batch: %q", i, c.payloads)
		}
	}
	if gap := calls[1].at.Sub(calls[0].at); gap < 15*time.Millisecond {
		t.Fatalf("first retry came after %v, want >= base backoff", gap)
	}
	if gap := calls[2].at.Sub(calls[1].at); gap < 30*time.Millisecond {
		t.Fatalf("second retry came after %v, want doubled backoff", gap)
	}

	deadline := time.Now().Add(time.Second)
	for sp.Count(spool.StreamEvents) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("accepted record never removed from spool")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRejectedBatchIsDiscarded(t *testing.T) {
	sender := &fakeSender{script: []transport.Result{
		{Status: transport.Rejected, Reason: "status 400"},
	}}
	d, sp := newTestDispatcher(t, testConfig(), sender)

	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"bad"}`))
	if err := d.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if calls := sender.snapshot(); len(calls) != 1 {
		t.Fatalf("want exactly 1 send, got %d", len(calls))
	}
	if n := sp.Count(spool.StreamEvents); n != 0 {
		t.Fatalf("rejected batch still spooled, %d left", n)
	}
}

func TestEnqueueDuringBackoffRetriesEarly(t *testing.T) {
	cfg := testConfig()
	cfg.FlushAt = 1
	cfg.Backoff.BaseMs = int((10 * time.Second).Milliseconds())
	sender := &fakeSender{script: []transport.Result{
		{Status: transport.TransientFailure, Reason: "connection refused"},
	}}
	d, sp := newTestDispatcher(t, cfg, sender)

	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"a"}`))
	sender.waitCalls(t, 1, time.Second)

	// new data must not sit behind a 10s backoff
	start := time.Now()
	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"b"}`))
	calls := sender.waitCalls(t, 2, time.Second)
	if elapsed := calls[1].at.Sub(start); elapsed > 500*time.Millisecond {
		t.Fatalf("early retry took %v", elapsed)
	}
	if len(calls[1].payloads) != 2 {
		t.Fatalf("retry should carry both records, got %d", len(calls[1].payloads))
	}
	if n := sp.Count(spool.StreamEvents); n != 0 {
		t.Fatalf("spool not drained, %d left", n)
	}
}

func TestStopFlushesPending(t *testing.T) {
	sender := &fakeSender{}
	d, sp := newTestDispatcher(t, testConfig(), sender)

	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"a"}`))
	d.Enqueue(spool.StreamPeople, nil, []byte(`{"$set":{}}`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	calls := sender.snapshot()
	if len(calls) != 2 {
		t.Fatalf("want one send per stream, got %d", len(calls))
	}
	if sp.Count(spool.StreamEvents) != 0 || sp.Count(spool.StreamPeople) != 0 {
		t.Fatal("stop left spooled entries behind")
	}
}

func TestEnqueueNeverBlocksWhenChannelFull(t *testing.T) {
	cfg := testConfig()
	cfg.FlushAt = 1
	cfg.ChannelCapacity = 1
	gate := make(chan struct{})
	sender := &fakeSender{gate: gate}
	d, _ := newTestDispatcher(t, cfg, sender)

	// first record parks the consumer inside Send; keep enqueuing until the
	// channel is full and the producer path reports a drop
	d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"a"}`))
	dropped := false
	deadline := time.Now().Add(time.Second)
	for !dropped {
		if time.Now().After(deadline) {
			t.Fatal("enqueue never reported a drop")
		}
		done := make(chan bool, 1)
		go func() {
			done <- d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"x"}`))
		}()
		select {
		case ok := <-done:
			dropped = !ok
		case <-time.After(time.Second):
			t.Fatal("enqueue blocked")
		}
	}
	close(gate)
}

func TestUpdateConfigAppliesBatchSize(t *testing.T) {
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, testConfig(), sender)

	cfg := testConfig()
	cfg.MaxBatchSize = 1
	d.UpdateConfig(cfg)

	for i := 0; i < 3; i++ {
		d.Enqueue(spool.StreamEvents, nil, []byte(`{"event":"x"}`))
	}
	if err := d.FlushSync(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	calls := sender.snapshot()
	if len(calls) != 3 {
		t.Fatalf("want 3 single-record sends, got %d", len(calls))
	}
}
