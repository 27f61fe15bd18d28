// Package telemetry records update lifecycle events into a bounded queue and
// flushes them in batches to the reporting endpoints. The queue is persisted
// periodically so events survive process termination, giving at-least-once
// delivery.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/overair/overair/pack"
)

const (
	defaultBatchSize     = 10
	defaultMaxQueue      = 100
	defaultFlushInterval = 60 * time.Second
	persistEvery         = 5
)

// EventKind classifies one lifecycle event.
type EventKind string

const (
	KindCheck    EventKind = "check"
	KindDownload EventKind = "download"
	KindInstall  EventKind = "install"
	KindRollback EventKind = "rollback"
	KindAppReady EventKind = "app_ready"
)

// Deployment status values reported on deploy-status events.
const (
	StatusSucceeded = "DeploymentSucceeded"
	StatusFailed    = "DeploymentFailed"
)

// Event is one recorded lifecycle event. Field names follow the internal
// model; the sender maps them to the server's wire convention.
type Event struct {
	Kind          EventKind `json:"kind"`
	ClientID      string    `json:"client_id"`
	DeploymentKey string    `json:"deployment_key"`
	AppVersion    string    `json:"app_version"`
	Hash          string    `json:"package_hash,omitempty"`
	Label         string    `json:"label,omitempty"`
	Status        string    `json:"status,omitempty"`
	PreviousLabel string    `json:"previous_label,omitempty"`
	PreviousKey   string    `json:"previous_deployment_key,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// IsDownloadStatus reports whether the event belongs to the download-status
// endpoint class; everything else goes to the deploy-status endpoint.
func (e Event) IsDownloadStatus() bool {
	return e.Kind == KindDownload
}

// Sender delivers events to the two logically distinct reporting endpoints.
type Sender interface {
	SendDownloadStatus(ctx context.Context, event Event) error
	SendDeployStatus(ctx context.Context, event Event) error
}

// QueueStore persists the event queue across process termination.
// store.PackageStore satisfies this.
type QueueStore interface {
	LoadTelemetryQueue(ctx context.Context) ([]byte, error)
	SaveTelemetryQueue(ctx context.Context, data []byte) error
	ClearTelemetryQueue(ctx context.Context) error
}

// Logger is the logging interface consumed by the reporter.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Options configure a Reporter.
type Options struct {
	Log           Logger
	Sender        Sender
	Store         QueueStore
	Enabled       bool
	ClientID      string
	DeploymentKey string
	AppVersion    string
	BatchSize     int
	MaxQueue      int
	FlushInterval time.Duration
	Clock         func() time.Time
}

// EventData carries the optional per-event fields of ReportEvent.
type EventData struct {
	Hash          string
	Label         string
	Status        string
	PreviousLabel string
	PreviousKey   string
}

// Reporter buffers lifecycle events and flushes them in batches. Reporting
// failures are logged and swallowed; telemetry must never crash the host.
type Reporter struct {
	log           Logger
	sender        Sender
	store         QueueStore
	enabled       bool
	clientID      string
	deploymentKey string
	appVersion    string
	batchSize     int
	maxQueue      int
	flushInterval time.Duration
	clock         func() time.Time

	mu          sync.Mutex
	queue       []Event
	appendCount int
	flushing    bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReporter creates a reporter and recovers any queue persisted by a prior
// session: recovered events are prepended and the persisted copy is deleted.
func NewReporter(ctx context.Context, opts Options) (*Reporter, error) {
	if opts.Sender == nil && opts.Enabled {
		return nil, &pack.ConfigurationError{Msg: "telemetry reporter requires a sender"}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = defaultMaxQueue
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	r := &Reporter{
		log:           opts.Log,
		sender:        opts.Sender,
		store:         opts.Store,
		enabled:       opts.Enabled,
		clientID:      opts.ClientID,
		deploymentKey: opts.DeploymentKey,
		appVersion:    opts.AppVersion,
		batchSize:     opts.BatchSize,
		maxQueue:      opts.MaxQueue,
		flushInterval: opts.FlushInterval,
		clock:         opts.Clock,
		stopCh:        make(chan struct{}),
	}

	r.recover(ctx)
	return r, nil
}

// recover loads the queue a prior session persisted, then deletes the copy.
func (r *Reporter) recover(ctx context.Context) {
	if r.store == nil {
		return
	}
	data, err := r.store.LoadTelemetryQueue(ctx)
	if errors.Is(err, pack.ErrNotFound) {
		return
	}
	if err != nil {
		r.logWarn("Failed to recover persisted telemetry queue", "error", err)
		return
	}

	var recovered []Event
	if err := json.Unmarshal(data, &recovered); err != nil {
		r.logWarn("Discarding corrupt persisted telemetry queue", "error", err)
	} else if len(recovered) > 0 {
		r.mu.Lock()
		r.queue = append(recovered, r.queue...)
		r.trimLocked()
		r.mu.Unlock()
		r.logInfo("Recovered persisted telemetry events", "count", len(recovered))
	}

	if err := r.store.ClearTelemetryQueue(ctx); err != nil {
		r.logWarn("Failed to clear recovered telemetry queue", "error", err)
	}
}

// Start begins the periodic flush loop.
func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.flushLoop()
}

// Stop halts the flush loop and persists whatever is still queued.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.persist(context.Background())
}

func (r *Reporter) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(context.Background()); err != nil {
				r.logWarn("Periodic telemetry flush failed", "error", err)
			}
		case <-r.stopCh:
			return
		}
	}
}

// ReportEvent appends a lifecycle event. No-op while reporting is disabled.
// Every fifth append persists the queue asynchronously; reaching the batch
// size triggers an asynchronous flush.
func (r *Reporter) ReportEvent(kind EventKind, data EventData) {
	if !r.enabled {
		return
	}

	event := Event{
		Kind:          kind,
		ClientID:      r.clientID,
		DeploymentKey: r.deploymentKey,
		AppVersion:    r.appVersion,
		Hash:          data.Hash,
		Label:         data.Label,
		Status:        data.Status,
		PreviousLabel: data.PreviousLabel,
		PreviousKey:   data.PreviousKey,
		Timestamp:     r.clock(),
	}
	if data.PreviousKey == "" && data.PreviousLabel != "" {
		event.PreviousKey = r.deploymentKey
	}

	r.mu.Lock()
	r.queue = append(r.queue, event)
	r.trimLocked()
	r.appendCount++
	shouldPersist := r.appendCount%persistEvery == 0
	shouldFlush := len(r.queue) >= r.batchSize
	r.mu.Unlock()

	if shouldPersist {
		go r.persist(context.Background())
	}
	if shouldFlush {
		go func() {
			if err := r.Flush(context.Background()); err != nil {
				r.logWarn("Batch telemetry flush failed", "error", err)
			}
		}()
	}
}

// trimLocked enforces the queue cap, dropping the oldest events first.
func (r *Reporter) trimLocked() {
	if len(r.queue) > r.maxQueue {
		dropped := len(r.queue) - r.maxQueue
		r.queue = r.queue[dropped:]
		r.logWarn("Telemetry queue over capacity, dropping oldest events", "dropped", dropped)
	}
}

// Flush sends up to one batch. A flush already in progress makes concurrent
// calls a no-op. Events that fail to send are re-queued in order.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.flushing || len(r.queue) == 0 || r.sender == nil {
		r.mu.Unlock()
		return nil
	}
	r.flushing = true
	n := len(r.queue)
	if n > r.batchSize {
		n = r.batchSize
	}
	batch := make([]Event, n)
	copy(batch, r.queue[:n])
	r.queue = r.queue[n:]
	r.mu.Unlock()

	var requeue []Event
	for _, event := range batch {
		var err error
		if event.IsDownloadStatus() {
			err = r.sender.SendDownloadStatus(ctx, event)
		} else {
			err = r.sender.SendDeployStatus(ctx, event)
		}
		if err != nil {
			r.logWarn("Failed to send telemetry event", "kind", string(event.Kind), "error", err)
			requeue = append(requeue, event)
		}
	}

	r.mu.Lock()
	if len(requeue) > 0 {
		r.queue = append(requeue, r.queue...)
		r.trimLocked()
	}
	r.flushing = false
	r.mu.Unlock()

	if len(requeue) == 0 && r.store != nil {
		if err := r.store.ClearTelemetryQueue(ctx); err != nil {
			r.logWarn("Failed to clear persisted telemetry queue", "error", err)
		}
	}
	return nil
}

// persist writes the full queue to the store.
func (r *Reporter) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	snapshot := make([]Event, len(r.queue))
	copy(snapshot, r.queue)
	r.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		r.logWarn("Failed to encode telemetry queue", "error", err)
		return
	}
	if err := r.store.SaveTelemetryQueue(ctx, data); err != nil {
		r.logWarn("Failed to persist telemetry queue", "error", err)
	}
}

// QueueDepth returns the number of buffered events.
func (r *Reporter) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Reporter) logInfo(msg string, args ...interface{}) {
	if r.log != nil {
		r.log.Info(msg, args...)
	}
}

func (r *Reporter) logWarn(msg string, args ...interface{}) {
	if r.log != nil {
		r.log.Warn(msg, args...)
	}
}
