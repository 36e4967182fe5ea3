package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/discohead/mixpanel-go/internal/config"
	"github.com/discohead/mixpanel-go/internal/obs"
	"github.com/discohead/mixpanel-go/internal/spool"
	"github.com/discohead/mixpanel-go/internal/transport"
	logpkg "github.com/discohead/mixpanel-go/pkg/log"
)

type msgKind int

const (
	msgEnqueue msgKind = iota
	msgFlush
	msgConfig
	msgStop
)

type message struct {
	kind    msgKind
	stream  spool.Stream
	meta    []byte
	payload []byte
	cfg     *config.Config
	ctx     context.Context
	done    chan struct{}
}

// streamState tracks per-stream flush progress. Only the run goroutine
// touches it.
type streamState struct {
	failures     int
	backoffUntil time.Time
}

// Dispatcher is the pipeline's single consumer: every spool write and every
// transport call for one token happens on its run goroutine, so neither needs
// locking for this instance. Producers only post messages on a bounded
// channel and return immediately.
type Dispatcher struct {
	sp     *spool.Spool
	sender transport.Sender
	logger logpkg.Logger

	ch       chan message
	stopped  chan struct{}
	stopOnce sync.Once

	// owned by the run goroutine after construction
	cfg    config.Config
	policy Policy
	states map[spool.Stream]*streamState
}

// New creates a Dispatcher and starts its consumer goroutine.
func New(sp *spool.Spool, sender transport.Sender, cfg config.Config, logger logpkg.Logger) *Dispatcher {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	d := &Dispatcher{
		sp:      sp,
		sender:  sender,
		logger:  logger.WithComponent("dispatch"),
		ch:      make(chan message, capacity),
		stopped: make(chan struct{}),
		cfg:     cfg,
		policy:  Policy{Base: cfg.BackoffBase(), Cap: cfg.BackoffCap(), Factor: cfg.Backoff.Factor},
		states:  make(map[spool.Stream]*streamState, 3),
	}
	for _, stream := range spool.Streams() {
		d.states[stream] = &streamState{}
	}
	go d.run()
	return d
}

// Enqueue posts one record for durable queuing. It never blocks: when the
// channel is full the record is dropped, counted, and false is returned.
func (d *Dispatcher) Enqueue(stream spool.Stream, meta, payload []byte) bool {
	select {
	case d.ch <- message{kind: msgEnqueue, stream: stream, meta: meta, payload: payload}:
		return true
	default:
		obs.RecordsDropped.WithLabelValues(string(stream), "channel_full").Inc()
		d.logger.Warn("dispatch channel full, dropping record", logpkg.Str("stream", string(stream)))
		return false
	}
}

// Flush requests an immediate flush of all streams. Fire and forget.
func (d *Dispatcher) Flush() {
	select {
	case d.ch <- message{kind: msgFlush}:
	default:
		// a full channel already implies a flush is coming
	}
}

// FlushSync requests a flush and waits for the pass to complete.
func (d *Dispatcher) FlushSync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case d.ch <- message{kind: msgFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return nil
	}
}

// UpdateConfig atomically swaps in new flush/batch/backoff settings without
// disturbing in-flight state.
func (d *Dispatcher) UpdateConfig(cfg config.Config) {
	c := cfg
	select {
	case d.ch <- message{kind: msgConfig, cfg: &c}:
	case <-d.stopped:
	}
}

// Stop performs one best-effort final flush bounded by ctx, then stops the
// consumer. Entries that do not make it out remain spooled for the next
// process start. Safe to call more than once.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		done := make(chan struct{})
		select {
		case d.ch <- message{kind: msgStop, ctx: ctx, done: done}:
			select {
			case <-done:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	})
	return ctx.Err()
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	ticker := time.NewTicker(tickInterval(d.cfg))
	defer ticker.Stop()

	// retryTimer wakes the loop when the earliest pending backoff elapses,
	// so retries do not wait for the next periodic tick.
	retryTimer := time.NewTimer(0)
	if !retryTimer.Stop() {
		<-retryTimer.C
	}
	defer retryTimer.Stop()
	var retryC <-chan time.Time

	rearm := func() {
		next := d.nextRetry(time.Now())
		if next.IsZero() {
			retryC = nil
			return
		}
		delay := time.Until(next)
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		if retryC != nil && !retryTimer.Stop() {
			select {
			case <-retryTimer.C:
			default:
			}
		}
		retryTimer.Reset(delay)
		retryC = retryTimer.C
	}

	for {
		select {
		case m := <-d.ch:
			switch m.kind {
			case msgEnqueue:
				d.handleEnqueue(m)
				rearm()
			case msgFlush:
				d.flushAll(context.Background(), time.Now(), false)
				if m.done != nil {
					close(m.done)
				}
				rearm()
			case msgConfig:
				d.applyConfig(*m.cfg)
				ticker.Reset(tickInterval(d.cfg))
			case msgStop:
				ctx := m.ctx
				if ctx == nil {
					ctx = context.Background()
				}
				d.flushAll(ctx, time.Now(), true)
				if m.done != nil {
					close(m.done)
				}
				return
			}
		case <-ticker.C:
			d.flushAll(context.Background(), time.Now(), false)
			rearm()
		case <-retryC:
			retryC = nil
			d.flushAll(context.Background(), time.Now(), false)
			rearm()
		}
	}
}

func tickInterval(cfg config.Config) time.Duration {
	if d := cfg.FlushInterval(); d > 0 {
		return d
	}
	return time.Minute
}

// nextRetry returns the earliest future backoff deadline among streams that
// still have pending entries, or the zero time when there is none.
func (d *Dispatcher) nextRetry(now time.Time) time.Time {
	var next time.Time
	for _, stream := range spool.Streams() {
		st := d.states[stream]
		if st.backoffUntil.IsZero() || !st.backoffUntil.After(now) {
			continue
		}
		if d.sp.Count(stream) == 0 {
			continue
		}
		if next.IsZero() || st.backoffUntil.Before(next) {
			next = st.backoffUntil
		}
	}
	return next
}

func (d *Dispatcher) handleEnqueue(m message) {
	ctx := context.Background()
	if _, err := d.sp.Append(ctx, m.stream, m.meta, m.payload); err != nil {
		obs.RecordsDropped.WithLabelValues(string(m.stream), "storage").Inc()
		d.logger.Error("spool append failed, dropping record",
			logpkg.Str("stream", string(m.stream)), logpkg.Err(err))
		return
	}
	obs.RecordsEnqueued.WithLabelValues(string(m.stream)).Inc()

	if _, err := d.sp.EvictOverCeiling(ctx, m.stream, d.cfg.QueueCeiling); err != nil {
		d.logger.Error("ceiling eviction failed", logpkg.Str("stream", string(m.stream)), logpkg.Err(err))
	}

	// Crossing the low-water threshold flushes immediately. New data also
	// forces an early retry for a stream sitting in backoff, so a stream
	// that stops receiving traffic is not starved behind a long wait.
	if d.sp.Count(m.stream) >= uint64(d.cfg.FlushAt) {
		d.flushStream(ctx, m.stream, time.Now(), true)
	}
}

func (d *Dispatcher) applyConfig(cfg config.Config) {
	d.cfg = cfg
	d.policy = Policy{Base: cfg.BackoffBase(), Cap: cfg.BackoffCap(), Factor: cfg.Backoff.Factor}
	d.logger.Info("configuration updated",
		logpkg.Dur("flush_interval", cfg.FlushInterval()),
		logpkg.Int("max_batch_size", cfg.MaxBatchSize),
		logpkg.Int("max_batch_bytes", cfg.MaxBatchBytes))
}

// flushAll flushes every stream with pending entries. Streams still in
// backoff are skipped unless force is set.
func (d *Dispatcher) flushAll(ctx context.Context, now time.Time, force bool) {
	for _, stream := range spool.Streams() {
		if ctx.Err() != nil {
			return
		}
		if d.sp.Count(stream) == 0 {
			continue
		}
		d.flushStream(ctx, stream, now, force)
	}
}

// flushStream drains one stream batch by batch until it is empty or a
// transient failure schedules a backoff. At most one delivery attempt per
// stream is ever in flight because only the run goroutine calls this.
func (d *Dispatcher) flushStream(ctx context.Context, stream spool.Stream, now time.Time, force bool) {
	st := d.states[stream]
	if !force && now.Before(st.backoffUntil) {
		return
	}

	for ctx.Err() == nil {
		entries, err := d.sp.Oldest(stream, d.cfg.MaxBatchSize, d.cfg.MaxBatchBytes)
		if err != nil {
			d.logger.Error("spool read failed", logpkg.Str("stream", string(stream)), logpkg.Err(err))
			return
		}
		if len(entries) == 0 {
			return
		}

		payloads := make([][]byte, len(entries))
		for i, e := range entries {
			payloads[i] = e.Payload
		}
		maxRow := entries[len(entries)-1].Row

		res := d.sender.Send(ctx, stream, payloads)
		obs.BatchesSent.WithLabelValues(string(stream), res.Status.String()).Inc()

		switch res.Status {
		case transport.Accepted:
			if _, err := d.sp.RemoveUpTo(ctx, stream, maxRow); err != nil {
				d.logger.Error("spool remove failed", logpkg.Str("stream", string(stream)), logpkg.Err(err))
				return
			}
			st.failures = 0
			st.backoffUntil = time.Time{}
			obs.RecordsDelivered.WithLabelValues(string(stream)).Add(float64(len(entries)))
			d.logger.Debug("batch delivered",
				logpkg.Str("stream", string(stream)), logpkg.Int("count", len(entries)))

		case transport.Rejected:
			// Retrying a permanent rejection would loop forever: the batch
			// is dropped and the loss is logged and counted.
			if _, err := d.sp.RemoveUpTo(ctx, stream, maxRow); err != nil {
				d.logger.Error("spool remove failed", logpkg.Str("stream", string(stream)), logpkg.Err(err))
				return
			}
			obs.RecordsRejected.WithLabelValues(string(stream)).Add(float64(len(entries)))
			d.logger.Warn("batch rejected by endpoint, discarding",
				logpkg.Str("stream", string(stream)),
				logpkg.Int("count", len(entries)),
				logpkg.Str("reason", res.Reason))

		case transport.TransientFailure:
			st.failures++
			delay := d.policy.Delay(st.failures)
			st.backoffUntil = time.Now().Add(delay)
			obs.RetryBackoffs.WithLabelValues(string(stream)).Inc()
			d.logger.Warn("transient delivery failure, backing off",
				logpkg.Str("stream", string(stream)),
				logpkg.Int("failures", st.failures),
				logpkg.Dur("backoff", delay),
				logpkg.Str("reason", res.Reason))
			return
		}
	}
}
