// Package mixpanel is the producer-facing surface of the SDK: a Client per
// project token that records analytics events and profile updates into a
// durable local queue and delivers them in batches in the background.
//
// Every producer call is fire-and-forget. Pipeline failures never propagate
// to callers; they are logged, counted, and retried or discarded according
// to policy.
package mixpanel

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/discohead/mixpanel-go/internal/config"
	"github.com/discohead/mixpanel-go/internal/dispatch"
	"github.com/discohead/mixpanel-go/internal/obs"
	"github.com/discohead/mixpanel-go/internal/spool"
	pebblestore "github.com/discohead/mixpanel-go/internal/storage/pebble"
	"github.com/discohead/mixpanel-go/internal/transport"
	"github.com/discohead/mixpanel-go/pkg/id"
	logpkg "github.com/discohead/mixpanel-go/pkg/log"
)

// insert IDs are process-wide so concurrent clients never collide.
var idGen = id.NewGenerator()

// Option adjusts client construction. Options are applied last, over
// defaults, config file, and environment.
type Option func(*options)

type options struct {
	configFile string
	cfg        []func(*config.Config)
	logger     logpkg.Logger
	sender     transport.Sender
}

// WithConfigFile layers a JSON or YAML config file over the defaults.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

// WithAPIHost overrides the ingestion endpoint base URL.
func WithAPIHost(host string) Option {
	return func(o *options) { o.cfg = append(o.cfg, func(c *config.Config) { c.APIHost = host }) }
}

// WithDataDir overrides the root directory for durable spools.
func WithDataDir(dir string) Option {
	return func(o *options) { o.cfg = append(o.cfg, func(c *config.Config) { c.DataDir = dir }) }
}

// WithFlushInterval overrides the periodic flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		o.cfg = append(o.cfg, func(c *config.Config) { c.FlushIntervalMs = int(d.Milliseconds()) })
	}
}

// WithFlushAt overrides the pending-count threshold that triggers an
// immediate flush.
func WithFlushAt(n int) Option {
	return func(o *options) { o.cfg = append(o.cfg, func(c *config.Config) { c.FlushAt = n }) }
}

// WithMaxBatchSize overrides the per-delivery record count bound.
func WithMaxBatchSize(n int) Option {
	return func(o *options) { o.cfg = append(o.cfg, func(c *config.Config) { c.MaxBatchSize = n }) }
}

// WithMaxBatchBytes overrides the per-delivery payload byte bound.
func WithMaxBatchBytes(n int) Option {
	return func(o *options) { o.cfg = append(o.cfg, func(c *config.Config) { c.MaxBatchBytes = n }) }
}

// WithQueueCeiling overrides the per-stream pending-entry ceiling.
func WithQueueCeiling(n int) Option {
	return func(o *options) { o.cfg = append(o.cfg, func(c *config.Config) { c.QueueCeiling = n }) }
}

// WithRequestTimeout bounds a single network submission.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.cfg = append(o.cfg, func(c *config.Config) { c.RequestTimeoutMs = int(d.Milliseconds()) })
	}
}

// WithFsync selects the storage durability mode: always, interval, or never.
func WithFsync(mode string) Option {
	return func(o *options) { o.cfg = append(o.cfg, func(c *config.Config) { c.Fsync = mode }) }
}

// WithLogger supplies a logger instead of building one from config.
func WithLogger(l logpkg.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSender replaces the HTTP transport, mainly for tests.
func WithSender(s transport.Sender) Option {
	return func(o *options) { o.sender = s }
}

// Client is the pipeline facade for one project token. All methods are safe
// for concurrent use and never block beyond posting a message to the
// dispatcher.
type Client struct {
	token  string
	logger logpkg.Logger
	db     *pebblestore.DB
	sp     *spool.Spool
	sender transport.Sender
	d      *dispatch.Dispatcher

	mu         sync.RWMutex
	cfg        config.Config
	distinctID string

	closeOnce sync.Once
	closeErr  error
}

// New opens (or creates) the durable spool for token and starts the
// background dispatcher. Configuration resolves once: defaults, then config
// file, then MIXPANEL_* environment, then options.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("mixpanel: empty project token")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	config.FromEnv(&cfg)
	for _, apply := range o.cfg {
		apply(&cfg)
	}

	logger := o.logger
	if logger == nil {
		level, err := logpkg.ParseLevel(cfg.Log.Level)
		if err != nil {
			level = logpkg.InfoLevel
		}
		lopts := []logpkg.LoggerOption{logpkg.WithLevel(level)}
		if cfg.Log.Format == "json" {
			lopts = append(lopts, logpkg.WithFormatter(&logpkg.JSONFormatter{}))
		}
		logger = logpkg.NewLogger(lopts...)
	}
	logger = logger.With(logpkg.Str("token", token))

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(cfg.DataDir, token),
		Fsync:   pebblestore.ParseFsyncMode(cfg.Fsync),
		Metrics: obs.StorageMetrics{},
	})
	if err != nil {
		return nil, err
	}
	sp, err := spool.Open(db, token, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sender := o.sender
	if sender == nil {
		sender = transport.New(cfg.APIHost, cfg.RequestTimeout(), logger)
	}

	c := &Client{
		token:      token,
		logger:     logger.WithComponent("client"),
		db:         db,
		sp:         sp,
		sender:     sender,
		d:          dispatch.New(sp, sender, cfg, logger),
		cfg:        cfg,
		distinctID: "$device:" + idGen.Next().String(),
	}
	c.logger.Info("client started",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Dur("flush_interval", cfg.FlushInterval()))
	return c, nil
}

// Identify switches the identity stamped onto subsequent events.
func (c *Client) Identify(distinctID string) {
	if distinctID == "" {
		return
	}
	c.mu.Lock()
	c.distinctID = distinctID
	c.mu.Unlock()
}

// DistinctID returns the identity currently stamped onto events. Before the
// first Identify it is a generated anonymous device id.
func (c *Client) DistinctID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.distinctID
}

// Track records one event. Malformed-but-recoverable input is normalized
// rather than rejected: nil properties become an empty set, and reserved
// fields are always stamped over caller values. An empty event name is the
// one unrecoverable case; the call is dropped and logged.
func (c *Client) Track(event string, props map[string]any) {
	if event == "" {
		obs.RecordsDropped.WithLabelValues(string(spool.StreamEvents), "invalid").Inc()
		c.logger.Warn("dropping event with empty name")
		return
	}
	merged := make(map[string]any, len(props)+4)
	for k, v := range props {
		merged[k] = v
	}
	iid := idGen.Next()
	merged["token"] = c.token
	merged["time"] = time.Now().UnixMilli()
	merged["$insert_id"] = iid.String()
	merged["distinct_id"] = c.DistinctID()

	c.enqueue(spool.StreamEvents, iid.Bytes(), map[string]any{
		"event":      event,
		"properties": merged,
	})
}

// Flush requests an immediate delivery pass. Fire and forget.
func (c *Client) Flush() {
	c.d.Flush()
}

// FlushSync requests a delivery pass and waits for it to complete or for ctx
// to expire. Entries that fail transiently remain spooled.
func (c *Client) FlushSync(ctx context.Context) error {
	return c.d.FlushSync(ctx)
}

// UpdateConfig applies the given options to the current configuration and
// swaps the result into the dispatcher without losing in-flight state. A new
// API host also retargets the live transport.
func (c *Client) UpdateConfig(opts ...Option) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c.mu.Lock()
	prevHost := c.cfg.APIHost
	for _, apply := range o.cfg {
		apply(&c.cfg)
	}
	cfg := c.cfg
	c.mu.Unlock()

	if cfg.APIHost != prevHost {
		if ht, ok := c.sender.(*transport.HTTPTransport); ok {
			ht.SetAPIHost(cfg.APIHost)
		}
	}
	c.d.UpdateConfig(cfg)
}

// Close performs one final bounded flush, stops the dispatcher, and closes
// the store. Entries that do not make it out survive for the next start.
// Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		err := c.d.Stop(ctx)
		if cerr := c.db.Close(); err == nil {
			err = cerr
		}
		c.closeErr = err
		c.logger.Info("client closed")
	})
	return c.closeErr
}

// enqueue serializes one record to its final wire form and posts it to the
// dispatcher with its spool metadata (the insert id for events, empty for
// profile updates). Serialization failures and channel-full drops are
// absorbed here; producers never see them.
func (c *Client) enqueue(stream spool.Stream, meta []byte, record map[string]any) {
	payload, err := json.Marshal(record)
	if err != nil {
		obs.RecordsDropped.WithLabelValues(string(stream), "marshal").Inc()
		c.logger.Warn("dropping unserializable record",
			logpkg.Str("stream", string(stream)), logpkg.Err(err))
		return
	}
	c.d.Enqueue(stream, meta, payload)
}
