// Package downloadqueue serializes bundle downloads into a single in-flight
// transfer with FIFO ordering, per-item retry with capped exponential
// backoff, and lifecycle events.
package downloadqueue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/overair/overair/internal/diskspace"
	"github.com/overair/overair/pack"
)

const (
	defaultMaxRetries     = 3
	defaultBaseRetryDelay = 1 * time.Second
	defaultMaxRetryDelay  = 30 * time.Second
)

// Queue-level errors.
var (
	// ErrCanceled rejects an item that was removed before its transfer began.
	ErrCanceled = errors.New("download canceled")
	// ErrInFlight is returned when trying to cancel the current transfer.
	// The queue never tears down an active transfer.
	ErrInFlight = errors.New("cannot cancel in-flight download")
	// ErrUnknownItem is returned for cancel calls naming no queued item.
	ErrUnknownItem = errors.New("unknown queue item")
	// ErrQueueClosed rejects items when the queue has been shut down.
	ErrQueueClosed = errors.New("download queue closed")
)

// Logger is the logging interface consumed by the queue.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// ProgressFunc receives transfer progress. total is zero when unknown.
type ProgressFunc func(received, total int64)

// Downloader performs one bundle transfer to destPath and returns the number
// of bytes written. Implementations should return *pack.NetworkError for
// transient failures so the queue's retry policy applies.
type Downloader interface {
	Download(ctx context.Context, update *pack.RemoteUpdate, destPath string, progress ProgressFunc) (int64, error)
}

// Handle completes when its queue item finally succeeds or exhausts retries.
type Handle struct {
	done   chan struct{}
	result *pack.LocalUpdate
	err    error
}

// Await blocks until the download resolves or ctx is done.
func (h *Handle) Await(ctx context.Context) (*pack.LocalUpdate, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the download has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) resolve(result *pack.LocalUpdate) {
	h.result = result
	close(h.done)
}

func (h *Handle) reject(err error) {
	h.err = err
	close(h.done)
}

// item is one pending download request. The queue owns items until resolved;
// at most one item is current at a time.
type item struct {
	id         string
	update     *pack.RemoteUpdate
	progress   ProgressFunc
	handle     *Handle
	enqueuedAt time.Time
	startedAt  time.Time
	attempts   int
}

// Options configure a Queue.
type Options struct {
	Log            Logger
	Downloader     Downloader
	DownloadDir    string
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	MinDiskSpaceMB int64
	Clock          func() time.Time
}

// Queue is the single arbiter of download concurrency: at most one transfer
// runs at a time and waiting items drain strictly FIFO.
type Queue struct {
	log            Logger
	downloader     Downloader
	downloadDir    string
	maxRetries     int
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
	minDiskSpace   int64
	clock          func() time.Time

	mu      sync.Mutex
	waiting []*item
	current *item
	paused  bool
	closed  bool
	stats   Statistics

	events *eventBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a download queue. Downloader and DownloadDir are required.
func New(opts Options) (*Queue, error) {
	if opts.Downloader == nil {
		return nil, &pack.ConfigurationError{Msg: "download queue requires a downloader"}
	}
	if opts.DownloadDir == "" {
		return nil, &pack.ConfigurationError{Msg: "download queue requires a download directory"}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = defaultBaseRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		log:            opts.Log,
		downloader:     opts.Downloader,
		downloadDir:    opts.DownloadDir,
		maxRetries:     opts.MaxRetries,
		baseRetryDelay: opts.BaseRetryDelay,
		maxRetryDelay:  opts.MaxRetryDelay,
		minDiskSpace:   opts.MinDiskSpaceMB,
		clock:          opts.Clock,
		events:         newEventBus(opts.Log),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Subscribe registers a lifecycle event subscriber and returns an
// unsubscribe function.
func (q *Queue) Subscribe(fn Subscriber) func() {
	return q.events.subscribe(fn)
}

// Enqueue appends a download request and returns its completion handle. It
// never blocks: if the queue is idle the transfer starts immediately,
// otherwise the item waits its turn.
func (q *Queue) Enqueue(update *pack.RemoteUpdate, progress ProgressFunc) *Handle {
	handle := &Handle{done: make(chan struct{})}
	it := &item{
		id:         uuid.NewString(),
		update:     update,
		progress:   progress,
		handle:     handle,
		enqueuedAt: q.clock(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		handle.reject(ErrQueueClosed)
		return handle
	}
	q.stats.TotalEnqueued++
	if q.current == nil && !q.paused {
		q.startLocked(it)
	} else {
		q.waiting = append(q.waiting, it)
		if len(q.waiting) > q.stats.MaxQueueDepth {
			q.stats.MaxQueueDepth = len(q.waiting)
		}
	}
	q.mu.Unlock()

	return handle
}

// startLocked marks it current and spawns its transfer. Caller holds q.mu.
func (q *Queue) startLocked(it *item) {
	q.current = it
	q.wg.Add(1)
	go q.process(it)
}

// Pause stops the queue from starting new transfers. The in-flight transfer,
// if any, runs to completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logDebug("Download queue paused")
}

// Resume restarts draining.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	if q.current == nil && len(q.waiting) > 0 && !q.closed {
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.startLocked(next)
	}
	q.mu.Unlock()
	q.logDebug("Download queue resumed")
}

// Cancel removes a still-queued item and rejects its handle with
// ErrCanceled. Canceling the in-flight item returns ErrInFlight.
func (q *Queue) Cancel(itemID string) error {
	q.mu.Lock()
	if q.current != nil && q.current.id == itemID {
		q.mu.Unlock()
		return ErrInFlight
	}
	for i, it := range q.waiting {
		if it.id == itemID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.stats.Canceled++
			q.mu.Unlock()
			it.handle.reject(ErrCanceled)
			q.events.emit(Event{
				Kind:      EventFailed,
				ItemID:    it.id,
				Hash:      it.update.Hash,
				Label:     it.update.Label,
				Err:       ErrCanceled,
				Timestamp: q.clock(),
			})
			return nil
		}
	}
	q.mu.Unlock()
	return ErrUnknownItem
}

// Clear rejects every still-queued item. The in-flight transfer is untouched.
func (q *Queue) Clear() {
	q.mu.Lock()
	cleared := q.waiting
	q.waiting = nil
	q.stats.Canceled += int64(len(cleared))
	q.mu.Unlock()

	for _, it := range cleared {
		it.handle.reject(ErrCanceled)
	}
	if len(cleared) > 0 {
		q.logDebug("Download queue cleared", "count", len(cleared))
	}
}

// PendingIDs returns the ids of waiting items in FIFO order, with the
// in-flight item first when present.
func (q *Queue) PendingIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.waiting)+1)
	if q.current != nil {
		out = append(out, q.current.id)
	}
	for _, it := range q.waiting {
		out = append(out, it.id)
	}
	return out
}

// Close cancels the in-flight transfer's context, rejects all waiting items
// and refuses further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cleared := q.waiting
	q.waiting = nil
	q.mu.Unlock()

	for _, it := range cleared {
		it.handle.reject(ErrQueueClosed)
	}
	q.cancel()
	q.wg.Wait()
}

// process runs one item's transfer with retries, then advances the queue.
func (q *Queue) process(it *item) {
	defer q.wg.Done()

	q.mu.Lock()
	it.startedAt = q.clock()
	q.mu.Unlock()

	q.events.emit(Event{
		Kind:      EventStarted,
		ItemID:    it.id,
		Hash:      it.update.Hash,
		Label:     it.update.Label,
		Timestamp: it.startedAt,
	})

	local, bytes, err := q.transferWithRetry(it)
	finished := q.clock()

	q.mu.Lock()
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Succeeded++
		q.stats.BytesTransferred += bytes
		q.stats.totalWait += it.startedAt.Sub(it.enqueuedAt)
		q.stats.totalTransfer += finished.Sub(it.startedAt)
	}
	q.mu.Unlock()

	if err != nil {
		q.logWarn("Download failed", "hash", it.update.Hash, "attempts", it.attempts, "error", err)
		it.handle.reject(err)
		q.events.emit(Event{
			Kind:      EventFailed,
			ItemID:    it.id,
			Hash:      it.update.Hash,
			Label:     it.update.Label,
			Attempts:  it.attempts,
			Err:       err,
			Timestamp: finished,
		})
	} else {
		q.logInfo("Download completed", "hash", it.update.Hash, "bytes", bytes, "attempts", it.attempts)
		it.handle.resolve(local)
		q.events.emit(Event{
			Kind:      EventCompleted,
			ItemID:    it.id,
			Hash:      it.update.Hash,
			Label:     it.update.Label,
			Attempts:  it.attempts,
			Bytes:     bytes,
			Timestamp: finished,
		})
	}

	q.advance()
}

// advance pops the next waiting item, or goes idle.
func (q *Queue) advance() {
	q.mu.Lock()
	q.current = nil
	if q.paused || q.closed || len(q.waiting) == 0 {
		idle := len(q.waiting) == 0 && !q.closed
		q.mu.Unlock()
		if idle {
			q.events.emit(Event{Kind: EventQueueEmptied, Timestamp: q.clock()})
		}
		return
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.startLocked(next)
	q.mu.Unlock()
}

// transferWithRetry attempts the transfer up to maxRetries times with capped
// exponential backoff between attempts. Permanent errors stop the loop early.
func (q *Queue) transferWithRetry(it *item) (*pack.LocalUpdate, int64, error) {
	if err := q.checkDiskSpace(it.update.PreferredSize()); err != nil {
		it.attempts = 1
		return nil, 0, err
	}

	destPath := filepath.Join(q.downloadDir, it.update.Hash+".bundle")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.baseRetryDelay
	policy.MaxInterval = q.maxRetryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	var lastErr error
	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		it.attempts = attempt

		bytes, err := q.downloader.Download(q.ctx, it.update, destPath, it.progress)
		if err == nil {
			if verifyErr := q.verify(it.update, destPath); verifyErr != nil {
				return nil, 0, verifyErr
			}
			return &pack.LocalUpdate{Descriptor: it.update.Descriptor, Path: destPath}, bytes, nil
		}

		lastErr = err
		if !retriable(err) {
			return nil, 0, err
		}
		q.logWarn("Download attempt failed", "hash", it.update.Hash, "attempt", attempt, "error", err)

		if attempt < q.maxRetries {
			select {
			case <-q.ctx.Done():
				return nil, 0, q.ctx.Err()
			case <-time.After(policy.NextBackOff()):
			}
		}
	}

	return nil, 0, fmt.Errorf("download failed after %d attempts: %w", q.maxRetries, lastErr)
}

// verify checks the downloaded bundle's content hash. An update without a
// hash is accepted unverified; that trust downgrade is logged, not hidden.
func (q *Queue) verify(update *pack.RemoteUpdate, destPath string) error {
	if update.Hash == "" {
		q.logWarn("Bundle has no content hash, skipping verification", "label", update.Label)
		return nil
	}
	return pack.VerifyFileHash(destPath, update.Hash)
}

func (q *Queue) checkDiskSpace(requiredBytes int64) error {
	if q.minDiskSpace <= 0 {
		return nil
	}
	requiredMB := requiredBytes / (1024 * 1024)
	if requiredMB < q.minDiskSpace {
		requiredMB = q.minDiskSpace
	}

	available, err := diskspace.AvailableMB(q.downloadDir)
	if err != nil {
		q.logWarn("Failed to check disk space", "error", err)
		return nil
	}
	if available < requiredMB {
		return &pack.UpdateError{
			Msg: fmt.Sprintf("insufficient disk space: need %d MB, have %d MB", requiredMB, available),
		}
	}
	return nil
}

// retriable reports whether the retry loop should try again. Configuration
// and permanent update errors are surfaced immediately.
func retriable(err error) bool {
	var cfgErr *pack.ConfigurationError
	var updErr *pack.UpdateError
	if errors.As(err, &cfgErr) || errors.As(err, &updErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (q *Queue) logInfo(msg string, args ...interface{}) {
	if q.log != nil {
		q.log.Info(msg, args...)
	}
}

func (q *Queue) logWarn(msg string, args ...interface{}) {
	if q.log != nil {
		q.log.Warn(msg, args...)
	}
}

func (q *Queue) logDebug(msg string, args ...interface{}) {
	if q.log != nil {
		q.log.Debug(msg, args...)
	}
}
