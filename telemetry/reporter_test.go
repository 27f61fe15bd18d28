package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/overair/overair/pack"
)

type fakeSender struct {
	mu        sync.Mutex
	download  []Event
	deploy    []Event
	failKinds map[EventKind]bool
}

func (s *fakeSender) SendDownloadStatus(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKinds[event.Kind] {
		return &pack.NetworkError{Op: "report download status", Err: errors.New("unreachable")}
	}
	s.download = append(s.download, event)
	return nil
}

func (s *fakeSender) SendDeployStatus(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKinds[event.Kind] {
		return &pack.NetworkError{Op: "report deploy status", Err: errors.New("unreachable")}
	}
	s.deploy = append(s.deploy, event)
	return nil
}

func (s *fakeSender) sent() (download, deploy int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.download), len(s.deploy)
}

type fakeQueueStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (s *fakeQueueStore) LoadTelemetryQueue(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, pack.ErrNotFound
	}
	return s.data, nil
}

func (s *fakeQueueStore) SaveTelemetryQueue(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.saves++
	return nil
}

func (s *fakeQueueStore) ClearTelemetryQueue(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func (s *fakeQueueStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestReporter(t *testing.T, opts Options) *Reporter {
	t.Helper()
	if opts.Sender == nil {
		opts.Sender = &fakeSender{}
	}
	opts.Enabled = true
	if opts.ClientID == "" {
		opts.ClientID = "client-1"
	}
	if opts.DeploymentKey == "" {
		opts.DeploymentKey = "key-1"
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "1.0.0"
	}
	r, err := NewReporter(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	return r
}

func TestDisabledReporterDropsEvents(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r, err := NewReporter(context.Background(), Options{Sender: sender, Enabled: false})
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}

	r.ReportEvent(KindDownload, EventData{Label: "v1"})
	if depth := r.QueueDepth(); depth != 0 {
		t.Fatalf("queue depth = %d, want 0 while disabled", depth)
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	download, deploy := sender.sent()
	if download != 0 || deploy != 0 {
		t.Fatalf("sent %d/%d events, want none while disabled", download, deploy)
	}
}

func TestEnabledWithoutSenderIsConfigurationError(t *testing.T) {
	t.Parallel()

	_, err := NewReporter(context.Background(), Options{Enabled: true})
	var cfgErr *pack.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewReporter error = %v, want *pack.ConfigurationError", err)
	}
}

func TestFlushRoutesEventsByEndpointClass(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestReporter(t, Options{Sender: sender})

	r.ReportEvent(KindDownload, EventData{Label: "v2"})
	r.ReportEvent(KindInstall, EventData{Label: "v2", Status: StatusSucceeded})
	r.ReportEvent(KindRollback, EventData{Label: "v2", Status: StatusFailed, PreviousLabel: "v1"})

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	download, deploy := sender.sent()
	if download != 1 {
		t.Fatalf("download-status events = %d, want 1", download)
	}
	if deploy != 2 {
		t.Fatalf("deploy-status events = %d, want 2", deploy)
	}
	if got := sender.deploy[1].PreviousKey; got != "key-1" {
		t.Fatalf("previous deployment key = %q, want reporter default", got)
	}
}

// blockingSender holds the first send open so a flush can be observed
// mid-flight.
type blockingSender struct {
	fakeSender
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSender) SendDeployStatus(ctx context.Context, event Event) error {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeSender.SendDeployStatus(ctx, event)
}

func TestConcurrentFlushIsNoop(t *testing.T) {
	t.Parallel()

	sender := &blockingSender{
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	r := newTestReporter(t, Options{Sender: sender, BatchSize: 1})

	// Reaching the batch size flushes in the background; the sender holds
	// that flush open.
	r.ReportEvent(KindInstall, EventData{Label: "v1", Status: StatusSucceeded})
	select {
	case <-sender.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for in-flight send")
	}

	r.ReportEvent(KindInstall, EventData{Label: "v2", Status: StatusSucceeded})
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// The concurrent flush must not have touched the queue or the sender.
	if depth := r.QueueDepth(); depth != 1 {
		t.Fatalf("queue depth = %d, want 1 while a flush is in flight", depth)
	}
	if _, deploy := sender.sent(); deploy != 0 {
		t.Fatalf("deploy-status events = %d, want 0 while blocked", deploy)
	}

	close(sender.release)
	waitFor(t, func() bool {
		_, deploy := sender.sent()
		return deploy >= 1
	})

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFor(t, func() bool {
		_, deploy := sender.sent()
		return deploy == 2 && r.QueueDepth() == 0
	})
}

func TestEventCarriesIdentityFields(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestReporter(t, Options{
		Sender: sender,
		Clock:  func() time.Time { return time.UnixMilli(1700000000000) },
	})

	r.ReportEvent(KindAppReady, EventData{Label: "v3", Status: StatusSucceeded})
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	event := sender.deploy[0]
	if event.ClientID != "client-1" || event.DeploymentKey != "key-1" || event.AppVersion != "1.0.0" {
		t.Fatalf("identity fields = %q/%q/%q", event.ClientID, event.DeploymentKey, event.AppVersion)
	}
	if !event.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("timestamp = %v", event.Timestamp)
	}
}

func TestEveryFifthAppendPersistsQueue(t *testing.T) {
	t.Parallel()

	qs := &fakeQueueStore{}
	r := newTestReporter(t, Options{Store: qs, BatchSize: 50})

	for i := 0; i < 5; i++ {
		r.ReportEvent(KindCheck, EventData{})
	}

	deadline := time.Now().Add(2 * time.Second)
	for qs.saveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue was never persisted after fifth append")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var persisted []Event
	qs.mu.Lock()
	data := qs.data
	qs.mu.Unlock()
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal persisted queue: %v", err)
	}
	if len(persisted) != 5 {
		t.Fatalf("persisted %d events, want 5", len(persisted))
	}
}

func TestRecoveryPrependsPersistedEvents(t *testing.T) {
	t.Parallel()

	old := []Event{
		{Kind: KindDownload, Label: "v1"},
		{Kind: KindInstall, Label: "v1"},
	}
	data, err := json.Marshal(old)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	qs := &fakeQueueStore{data: data}

	r := newTestReporter(t, Options{Store: qs})
	if depth := r.QueueDepth(); depth != 2 {
		t.Fatalf("queue depth after recovery = %d, want 2", depth)
	}
	qs.mu.Lock()
	cleared := qs.data == nil
	qs.mu.Unlock()
	if !cleared {
		t.Fatal("persisted copy was not deleted after recovery")
	}
}

func TestRecoveryToleratesCorruptQueue(t *testing.T) {
	t.Parallel()

	qs := &fakeQueueStore{data: []byte("{not json")}
	r := newTestReporter(t, Options{Store: qs})
	if depth := r.QueueDepth(); depth != 0 {
		t.Fatalf("queue depth = %d, want 0 after corrupt recovery", depth)
	}
}

func TestQueueCapDropsOldestEvents(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestReporter(t, Options{Sender: sender, MaxQueue: 3, BatchSize: 50})

	for i := 0; i < 5; i++ {
		r.ReportEvent(KindCheck, EventData{Label: string(rune('a' + i))})
	}

	if depth := r.QueueDepth(); depth != 3 {
		t.Fatalf("queue depth = %d, want cap of 3", depth)
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := sender.deploy[0].Label; got != "c" {
		t.Fatalf("oldest surviving event label = %q, want %q", got, "c")
	}
}

func TestFailedEventsAreRequeuedInOrder(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{failKinds: map[EventKind]bool{KindInstall: true}}
	r := newTestReporter(t, Options{Sender: sender})

	r.ReportEvent(KindInstall, EventData{Label: "v1"})
	r.ReportEvent(KindInstall, EventData{Label: "v2"})
	r.ReportEvent(KindAppReady, EventData{Label: "v2"})

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if depth := r.QueueDepth(); depth != 2 {
		t.Fatalf("queue depth after failed flush = %d, want 2", depth)
	}
	_, deploy := sender.sent()
	if deploy != 1 {
		t.Fatalf("deploy-status events = %d, want 1 (app-ready only)", deploy)
	}

	// Endpoint recovers; retried events are delivered oldest first.
	sender.mu.Lock()
	sender.failKinds = nil
	sender.mu.Unlock()

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush retry: %v", err)
	}
	if got := sender.deploy[1].Label; got != "v1" {
		t.Fatalf("first retried label = %q, want %q", got, "v1")
	}
	if got := sender.deploy[2].Label; got != "v2" {
		t.Fatalf("second retried label = %q, want %q", got, "v2")
	}
}

func TestFlushClearsPersistedCopyOnFullSuccess(t *testing.T) {
	t.Parallel()

	qs := &fakeQueueStore{}
	r := newTestReporter(t, Options{Store: qs, BatchSize: 50})

	r.ReportEvent(KindDownload, EventData{Label: "v1"})
	r.persist(context.Background())
	qs.mu.Lock()
	hadData := qs.data != nil
	qs.mu.Unlock()
	if !hadData {
		t.Fatal("expected a persisted copy before flush")
	}

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	qs.mu.Lock()
	cleared := qs.data == nil
	qs.mu.Unlock()
	if !cleared {
		t.Fatal("persisted copy was not cleared after full-batch success")
	}
}

func TestReachingBatchSizeTriggersFlush(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestReporter(t, Options{Sender: sender, BatchSize: 3})

	r.ReportEvent(KindCheck, EventData{})
	r.ReportEvent(KindCheck, EventData{})
	r.ReportEvent(KindCheck, EventData{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, deploy := sender.sent(); deploy == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch-size trigger never flushed the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeriodicFlushSendsQueuedEvents(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := newTestReporter(t, Options{Sender: sender, FlushInterval: 20 * time.Millisecond, BatchSize: 50})
	r.Start()
	defer r.Stop()

	r.ReportEvent(KindAppReady, EventData{Label: "v1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, deploy := sender.sent(); deploy == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("periodic flush never delivered the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopPersistsRemainingQueue(t *testing.T) {
	t.Parallel()

	qs := &fakeQueueStore{}
	sender := &fakeSender{failKinds: map[EventKind]bool{KindDownload: true}}
	r := newTestReporter(t, Options{Sender: sender, Store: qs, FlushInterval: time.Hour})
	r.Start()

	r.ReportEvent(KindDownload, EventData{Label: "v1"})
	r.Stop()

	var persisted []Event
	qs.mu.Lock()
	data := qs.data
	qs.mu.Unlock()
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal persisted queue: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Label != "v1" {
		t.Fatalf("persisted queue = %+v, want the single undelivered event", persisted)
	}
}
