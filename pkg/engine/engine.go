// Package engine owns the set of active data sources and drives periodic
// collection. It composes the plugin registry, the cloud transport, and the
// durable queue: every harvested record is either delivered over the
// transport or enqueued for later delivery, never dropped.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/config"
	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/metrics"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
	"github.com/relaymesh/relay-agent/pkg/queue"
)

// Engine status values published on the event channel
const (
	StatusStarting     = "starting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusRunning      = "running"
	StatusStopping     = "stopping"
	StatusStopped      = "stopped"
)

// Transport is the engine's view of the cloud connection
type Transport interface {
	Start(ctx context.Context)
	Stop()
	IsConnected() bool
	SendData(sourceID, sourceType string, ts time.Time, data, metadata map[string]interface{}) bool
	SendStatus(status string, details map[string]interface{}) bool
}

// StatusEvent is one engine status transition
type StatusEvent struct {
	Status  string
	Details map[string]interface{}
	At      time.Time
}

// SourceStatus describes one active source in a status snapshot
type SourceStatus struct {
	SourceID   string `json:"source_id"`
	PluginType string `json:"plugin_type"`
	Name       string `json:"name"`
	Connected  bool   `json:"connected"`
}

// Snapshot is a read-only view of engine state
type Snapshot struct {
	Running        bool           `json:"running"`
	CloudConnected bool           `json:"cloud_connected"`
	Sources        []SourceStatus `json:"sources"`
	Plugins        []string       `json:"plugins"`
	Queue          queue.Stats    `json:"queue"`
}

type activeSource struct {
	cfg    config.SourceConfig
	src    plugin.Source
	cancel context.CancelFunc

	// syncMu serializes Fetch and reconnect cycles; adapters keep
	// per-instance state and are not safe for concurrent use
	syncMu sync.Mutex
}

// Options configures an Engine
type Options struct {
	DrainBatch    int
	DrainInterval time.Duration
}

// Engine coordinates data flow between sources and the cloud endpoint
type Engine struct {
	registry  *registry.Registry
	store     *config.Store
	transport Transport
	queue     *queue.Queue
	opts      Options
	logger    *zap.Logger

	running atomic.Bool

	// launchMu orders goroutine launches against Stop, so no wg.Add can
	// land once Stop has begun waiting
	launchMu sync.Mutex

	mu     sync.RWMutex
	active map[string]*activeSource

	subMu       sync.Mutex
	subscribers []chan StatusEvent

	baseCtx     context.Context
	cancel      context.CancelFunc
	drainCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an engine. The health monitor and the transport callbacks are
// attached by the caller after construction.
func New(reg *registry.Registry, store *config.Store, tr Transport, q *queue.Queue, opts Options) *Engine {
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = 100
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 2 * time.Second
	}
	return &Engine{
		registry:  reg,
		store:     store,
		transport: tr,
		queue:     q,
		opts:      opts,
		logger:    logger.Get().With(zap.String("component", "engine")),
		active:    make(map[string]*activeSource),
	}
}

// Registry returns the plugin registry held by the engine
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Subscribe returns a channel receiving engine status transitions. Slow
// subscribers miss events rather than blocking the engine.
func (e *Engine) Subscribe() <-chan StatusEvent {
	ch := make(chan StatusEvent, 16)
	e.subMu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.subMu.Unlock()
	return ch
}

func (e *Engine) notify(status string, details map[string]interface{}) {
	ev := StatusEvent{Status: status, Details: details, At: time.Now().UTC()}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start brings up the transport, activates every enabled source, and starts
// the queue drain loop. Individual source failures are logged and leave the
// source inactive; they never fail the engine.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.notify(StatusStarting, nil)

	e.baseCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	e.transport.Start(e.baseCtx)

	for _, sc := range e.store.List() {
		if !sc.Enabled {
			continue
		}
		if err := e.startSource(sc); err != nil {
			e.logger.Error("failed to start data source",
				zap.String("source_id", sc.ID),
				zap.String("name", sc.Name),
				zap.Error(err))
		}
	}

	drainCtx, drainCancel := context.WithCancel(e.baseCtx)
	e.drainCancel = drainCancel
	e.wg.Add(1)
	go e.drainLoop(drainCtx)

	e.notify(StatusRunning, nil)
	e.logger.Info("engine started", zap.Int("active_sources", e.activeCount()))
}

// Stop cancels every source loop and the drain loop, disconnects all
// adapters, and stops the transport. It returns once everything is
// quiescent.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.notify(StatusStopping, nil)

	if e.drainCancel != nil {
		e.drainCancel()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.launchMu.Lock()
	e.wg.Wait()
	e.launchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.mu.Lock()
	for id, as := range e.active {
		if err := as.src.Disconnect(ctx); err != nil {
			e.logger.Error("error disconnecting source",
				zap.String("source_id", id), zap.Error(err))
		}
	}
	e.active = make(map[string]*activeSource)
	e.mu.Unlock()

	e.transport.Stop()

	e.notify(StatusStopped, nil)
	e.logger.Info("engine stopped")
}

// Running reports whether the engine is running
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// startSource instantiates, connects, and schedules one source
func (e *Engine) startSource(sc config.SourceConfig) error {
	src, err := e.registry.Create(sc.PluginType, sc.ID, sc.Credentials)
	if err != nil {
		return err
	}

	interval := time.Duration(sc.Interval()) * time.Second
	ctx, cancelConnect := context.WithTimeout(e.baseCtx, boundedTimeout(interval))
	defer cancelConnect()

	if err := src.Connect(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to data source")
	}

	loopCtx, cancel := context.WithCancel(e.baseCtx)

	e.launchMu.Lock()
	if !e.running.Load() {
		e.launchMu.Unlock()
		cancel()
		if err := src.Disconnect(context.Background()); err != nil {
			e.logger.Error("error disconnecting source",
				zap.String("source_id", sc.ID), zap.Error(err))
		}
		return errors.New(errors.ErrorTypeInternal, "engine is not running")
	}
	e.mu.Lock()
	e.active[sc.ID] = &activeSource{cfg: sc, src: src, cancel: cancel}
	e.mu.Unlock()
	e.wg.Add(1)
	e.launchMu.Unlock()

	go e.syncLoop(loopCtx, sc.ID, interval)

	e.logger.Info("data source started",
		zap.String("source_id", sc.ID),
		zap.String("plugin", sc.PluginType),
		zap.String("name", sc.Name),
		zap.Duration("interval", interval))
	return nil
}

// boundedTimeout caps per-adapter I/O so one misbehaving source cannot
// stall its own loop indefinitely
func boundedTimeout(interval time.Duration) time.Duration {
	d := 2 * interval
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// syncLoop runs one source's periodic collection until cancelled or the
// source is removed. A failed tick is logged; the next tick still fires.
func (e *Engine) syncLoop(ctx context.Context, sourceID string, interval time.Duration) {
	defer e.wg.Done()

	for {
		if ctx.Err() != nil || !e.isActive(sourceID) {
			return
		}

		if err := e.TriggerSync(ctx, sourceID); err != nil {
			metrics.SyncErrors.WithLabelValues(sourceID).Inc()
			e.logger.Error("sync failed",
				zap.String("source_id", sourceID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (e *Engine) isActive(sourceID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.active[sourceID]
	return ok
}

// TriggerSync runs one fetch-and-deliver cycle for a source. Records are
// sent in adapter order; each one is delivered over the transport or, when
// the transport is unavailable or the send fails, diverted into the queue.
func (e *Engine) TriggerSync(ctx context.Context, sourceID string) error {
	e.mu.RLock()
	as, ok := e.active[sourceID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	// One sync at a time per adapter: a remote sync_now landing during a
	// periodic tick waits for it instead of overlapping it.
	as.syncMu.Lock()
	defer as.syncMu.Unlock()

	if ctx.Err() != nil {
		return nil
	}

	interval := time.Duration(as.cfg.Interval()) * time.Second
	fetchCtx, cancel := context.WithTimeout(ctx, boundedTimeout(interval))
	defer cancel()

	start := time.Now()
	stream, err := as.src.Fetch(fetchCtx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "fetch failed")
	}

	for rec := range stream.Records {
		if rec.SourceID == "" {
			rec.SourceID = as.cfg.ID
		}
		if rec.SourceType == "" {
			rec.SourceType = as.cfg.PluginType
		}
		e.deliver(rec)
	}

	metrics.SyncDuration.WithLabelValues(sourceID).Observe(time.Since(start).Seconds())

	if streamErr, open := <-stream.Errors; open && streamErr != nil {
		return errors.Wrap(streamErr, errors.ErrorTypeConnection, "fetch aborted")
	}
	return nil
}

// deliver sends one record or queues it. This is the delivery-reliability
// contract: the record ends up on the wire or in the queue.
func (e *Engine) deliver(rec plugin.DataRecord) {
	if e.transport.IsConnected() &&
		e.transport.SendData(rec.SourceID, rec.SourceType, rec.Timestamp, rec.Data, rec.Metadata) {
		metrics.RecordsDelivered.WithLabelValues(rec.SourceID).Inc()
		return
	}

	if e.queue.Enqueue(rec) {
		metrics.RecordsQueued.WithLabelValues(rec.SourceID).Inc()
		return
	}

	// Queue storage failure: already logged by the queue, but a lost record
	// deserves its own trace.
	e.logger.Error("record lost: transport unavailable and enqueue failed",
		zap.String("source_id", rec.SourceID),
		zap.String("source_type", rec.SourceType))
}

// drainLoop re-delivers queued records whenever the transport is connected
func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.transport.IsConnected() {
				continue
			}
			e.drainOnce()
		}
	}
}

// drainOnce attempts delivery for one dequeued batch
func (e *Engine) drainOnce() {
	batch := e.queue.Dequeue(e.opts.DrainBatch)
	if len(batch) == 0 {
		return
	}

	var delivered []int64
	for _, qr := range batch {
		if !e.transport.IsConnected() {
			break
		}
		if e.transport.SendData(qr.SourceID, qr.SourceType, qr.Timestamp, qr.Data, qr.Metadata) {
			delivered = append(delivered, qr.ID)
			metrics.RecordsDelivered.WithLabelValues(qr.SourceID).Inc()
		} else {
			e.queue.MarkFailure(qr.ID, "send failed: transport unavailable")
		}
	}

	e.queue.MarkSuccess(delivered)
	if len(delivered) > 0 {
		e.logger.Debug("drained queued records", zap.Int("count", len(delivered)))
	}
}

// AddSource validates credentials, test-connects an ephemeral adapter,
// persists the configuration, and activates it when the engine is running.
// It returns the new source id. The connection test's message is returned
// verbatim on failure.
func (e *Engine) AddSource(ctx context.Context, pluginType, name string, creds plugin.Credentials, syncInterval int) (string, error) {
	desc, ok := e.registry.Get(pluginType)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeNotFound, "unknown plugin type: %s", pluginType)
	}

	if err := plugin.ValidateCredentials(desc.CredentialFields, creds); err != nil {
		return "", err
	}

	sourceID := uuid.NewString()[:8]

	probe := desc.New(sourceID, creds)
	ok, msg := probe.TestConnection(ctx)
	if !ok {
		return "", errors.New(errors.ErrorTypeConnection, msg)
	}

	sc := config.SourceConfig{
		ID:           sourceID,
		PluginType:   pluginType,
		Name:         name,
		Credentials:  creds,
		Enabled:      true,
		SyncInterval: syncInterval,
	}
	if err := e.store.Add(sc); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStorage, "failed to persist source configuration")
	}

	if e.running.Load() {
		if err := e.startSource(sc); err != nil {
			e.logger.Error("source persisted but failed to start",
				zap.String("source_id", sourceID), zap.Error(err))
		}
	}

	return sourceID, nil
}

// RemoveSource stops and deletes a source; unknown ids are a no-op
func (e *Engine) RemoveSource(ctx context.Context, sourceID string) error {
	e.mu.Lock()
	as, ok := e.active[sourceID]
	if ok {
		as.cancel()
		delete(e.active, sourceID)
	}
	e.mu.Unlock()

	if ok {
		if err := as.src.Disconnect(ctx); err != nil {
			e.logger.Error("error disconnecting source",
				zap.String("source_id", sourceID), zap.Error(err))
		}
	}

	if err := e.store.Remove(sourceID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to remove source configuration")
	}
	return nil
}

// TestSource validates and test-connects an ephemeral adapter. Nothing is
// persisted or activated.
func (e *Engine) TestSource(ctx context.Context, pluginType string, creds plugin.Credentials) (bool, string) {
	desc, ok := e.registry.Get(pluginType)
	if !ok {
		return false, "unknown plugin type: " + pluginType
	}

	if err := plugin.ValidateCredentials(desc.CredentialFields, creds); err != nil {
		return false, errors.Message(err)
	}

	probe := desc.New("test", creds)
	return probe.TestConnection(ctx)
}

// HandleCommand applies an inbound remote command
func (e *Engine) HandleCommand(command, sourceID string) {
	e.launchMu.Lock()
	defer e.launchMu.Unlock()
	if !e.running.Load() {
		return
	}
	switch command {
	case "sync_now":
		if sourceID == "" {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.TriggerSync(e.baseCtx, sourceID); err != nil {
				e.logger.Error("remote sync failed",
					zap.String("source_id", sourceID), zap.Error(err))
			}
		}()
	case "reconnect":
		if sourceID == "" {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reconnectSource(sourceID)
		}()
	default:
		e.logger.Warn("unknown remote command", zap.String("command", command))
	}
}

// HandleConfigUpdate applies an inbound remote configuration payload
func (e *Engine) HandleConfigUpdate(payload []byte) {
	// Remote configuration is observed but not yet applied; the payload is
	// surfaced to subscribers for the UI layer.
	e.notify("config_update", map[string]interface{}{"size": len(payload)})
}

// NotifyTransportState publishes transport connectivity transitions to
// engine subscribers
func (e *Engine) NotifyTransportState(connected bool) {
	if connected {
		e.notify(StatusConnected, nil)
	} else {
		e.notify(StatusDisconnected, nil)
	}
}

func (e *Engine) reconnectSource(sourceID string) {
	e.mu.RLock()
	as, ok := e.active[sourceID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	// A reconnect must not race a Fetch on the same adapter
	as.syncMu.Lock()
	defer as.syncMu.Unlock()

	interval := time.Duration(as.cfg.Interval()) * time.Second
	ctx, cancel := context.WithTimeout(e.baseCtx, boundedTimeout(interval))
	defer cancel()

	if err := as.src.Disconnect(ctx); err != nil {
		e.logger.Error("error disconnecting source",
			zap.String("source_id", sourceID), zap.Error(err))
	}
	if err := as.src.Connect(ctx); err != nil {
		e.logger.Error("error reconnecting source",
			zap.String("source_id", sourceID), zap.Error(err))
	}
}

// Status returns a read-only snapshot of the engine
func (e *Engine) Status() Snapshot {
	e.mu.RLock()
	sources := make([]SourceStatus, 0, len(e.active))
	for _, as := range e.active {
		sources = append(sources, SourceStatus{
			SourceID:   as.cfg.ID,
			PluginType: as.cfg.PluginType,
			Name:       as.cfg.Name,
			Connected:  as.src.Connected(),
		})
	}
	e.mu.RUnlock()

	return Snapshot{
		Running:        e.running.Load(),
		CloudConnected: e.transport.IsConnected(),
		Sources:        sources,
		Plugins:        e.registry.Types(),
		Queue:          e.queue.Stats(),
	}
}
