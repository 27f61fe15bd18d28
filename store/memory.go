package store

import (
	"context"
	"sync"
	"time"

	"github.com/overair/overair/pack"
)

// MemoryStore is an in-memory PackageStore for tests and embedded hosts that
// do not need crash-safe state.
type MemoryStore struct {
	mu             sync.RWMutex
	current        *pack.Descriptor
	pending        *pack.Descriptor
	failed         []FailedUpdate
	rollback       *RollbackRecord
	history        []*pack.Descriptor
	data           map[string][]byte
	telemetryQueue []byte
	hasTelemetry   bool
	failedExpiry   time.Duration
	clock          func() time.Time
}

// NewMemoryStore creates an empty in-memory store with the default
// failed-update expiry window.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:         make(map[string][]byte),
		failedExpiry: DefaultFailedExpiry,
		clock:        time.Now,
	}
}

// SetFailedExpiry overrides the failed-update expiry window.
func (s *MemoryStore) SetFailedExpiry(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedExpiry = d
}

// SetClock overrides the time source, for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func copyDescriptor(d *pack.Descriptor) *pack.Descriptor {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

func (s *MemoryStore) GetCurrent(ctx context.Context) (*pack.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, pack.ErrNotFound
	}
	return copyDescriptor(s.current), nil
}

func (s *MemoryStore) SetCurrent(ctx context.Context, desc *pack.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = copyDescriptor(desc)
	return nil
}

func (s *MemoryStore) GetPending(ctx context.Context) (*pack.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return nil, pack.ErrNotFound
	}
	return copyDescriptor(s.pending), nil
}

func (s *MemoryStore) SetPending(ctx context.Context, desc *pack.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = copyDescriptor(desc)
	return nil
}

func (s *MemoryStore) ClearPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *MemoryStore) GetFailedUpdates(ctx context.Context) ([]FailedUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = pruneFailed(s.failed, s.failedExpiry, s.clock())
	out := make([]FailedUpdate, len(s.failed))
	copy(out, s.failed)
	return out, nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, FailedUpdate{Hash: hash, FailedAt: s.clock()})
	s.failed = pruneFailed(s.failed, s.failedExpiry, s.clock())
	return nil
}

func (s *MemoryStore) SetFailedUpdates(ctx context.Context, failed []FailedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = pruneFailed(failed, s.failedExpiry, s.clock())
	return nil
}

func (s *MemoryStore) ClearFailedUpdates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = nil
	return nil
}

func (s *MemoryStore) GetRollbackMetadata(ctx context.Context) (*RollbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rollback == nil {
		return nil, pack.ErrNotFound
	}
	cp := *s.rollback
	return &cp, nil
}

func (s *MemoryStore) SetRollbackMetadata(ctx context.Context, record *RollbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record == nil {
		s.rollback = nil
		return nil
	}
	cp := *record
	s.rollback = &cp
	return nil
}

func (s *MemoryStore) ClearRollbackMetadata(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollback = nil
	return nil
}

func (s *MemoryStore) AddToHistory(ctx context.Context, desc *pack.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-installing a hash moves it to the most-recent slot.
	for i, h := range s.history {
		if h.Hash == desc.Hash {
			s.history = append(s.history[:i], s.history[i+1:]...)
			break
		}
	}
	s.history = append([]*pack.Descriptor{copyDescriptor(desc)}, s.history...)
	if len(s.history) > HistoryLimit {
		s.history = s.history[:HistoryLimit]
	}
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*pack.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.history {
		if h.Hash == hash {
			return copyDescriptor(h), nil
		}
	}
	return nil, pack.ErrNotFound
}

func (s *MemoryStore) History(ctx context.Context) ([]*pack.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pack.Descriptor, len(s.history))
	for i, h := range s.history {
		out[i] = copyDescriptor(h)
	}
	return out, nil
}

func (s *MemoryStore) GetPackageData(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[hash]
	if !ok {
		return nil, pack.ErrNoPackageData
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) SetPackageData(ctx context.Context, hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[hash] = cp
	return nil
}

func (s *MemoryStore) DeletePackageData(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, hash)
	return nil
}

func (s *MemoryStore) LoadTelemetryQueue(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasTelemetry {
		return nil, pack.ErrNotFound
	}
	out := make([]byte, len(s.telemetryQueue))
	copy(out, s.telemetryQueue)
	return out, nil
}

func (s *MemoryStore) SaveTelemetryQueue(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.telemetryQueue = cp
	s.hasTelemetry = true
	return nil
}

func (s *MemoryStore) ClearTelemetryQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetryQueue = nil
	s.hasTelemetry = false
	return nil
}

func (s *MemoryStore) Close() error { return nil }
