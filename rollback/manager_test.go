package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/overair/overair/pack"
	"github.com/overair/overair/store"
)

func shortDelayHours(d time.Duration) float64 {
	return float64(d) / float64(time.Hour)
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.SetCurrent(ctx, &pack.Descriptor{Hash: "q", Label: "v1"}); err != nil {
		t.Fatalf("SetCurrent error = %v", err)
	}
	if err := s.AddToHistory(ctx, &pack.Descriptor{Hash: "q", Label: "v1"}); err != nil {
		t.Fatalf("AddToHistory error = %v", err)
	}
	return s
}

func newTestManager(t *testing.T, s store.PackageStore, onRollback RollbackFunc) *Manager {
	t.Helper()
	m, err := NewManager(Options{Store: s, OnRollback: onRollback})
	if err != nil {
		t.Fatalf("NewManager error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitForRollback(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rollback")
	}
}

func TestStartRollbackTimerArmsOnce(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	m := newTestManager(t, s, nil)
	ctx := context.Background()

	if err := m.StartRollbackTimer(ctx, "p", StartOptions{}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}
	if got := m.ArmedHash(); got != "p" {
		t.Errorf("ArmedHash = %q, want p", got)
	}

	record, err := s.GetRollbackMetadata(ctx)
	if err != nil {
		t.Fatalf("GetRollbackMetadata error = %v", err)
	}
	if record.Hash != "p" || record.PreviousHash != "q" || record.RetryCount != 1 {
		t.Errorf("record = %+v, want hash=p previous=q retry=1", record)
	}
	if record.Timeout != 5*time.Minute {
		t.Errorf("default timeout = %v, want 5m", record.Timeout)
	}

	// Installing another package re-arms: P's timer is implicitly canceled.
	if err := m.StartRollbackTimer(ctx, "r", StartOptions{}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}
	if got := m.ArmedHash(); got != "r" {
		t.Errorf("ArmedHash after re-arm = %q, want r", got)
	}
	record, _ = s.GetRollbackMetadata(ctx)
	if record.Hash != "r" {
		t.Errorf("record after re-arm = %+v, want hash=r", record)
	}
}

func TestCancelTimerClearsRecord(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	m := newTestManager(t, s, nil)
	ctx := context.Background()

	if err := m.StartRollbackTimer(ctx, "p", StartOptions{}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}
	if err := m.CancelTimer(ctx); err != nil {
		t.Fatalf("CancelTimer error = %v", err)
	}
	if got := m.ArmedHash(); got != "" {
		t.Errorf("ArmedHash after cancel = %q, want empty", got)
	}
	if _, err := s.GetRollbackMetadata(ctx); !errors.Is(err, pack.ErrNotFound) {
		t.Errorf("GetRollbackMetadata after cancel = %v, want ErrNotFound", err)
	}
}

func TestCancelTimerPreservesConsumedRecord(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()
	// The reverted package already spent its retry budget; the restored
	// package disarms the watchdog on every launch.
	if err := s.SetRollbackMetadata(ctx, &store.RollbackRecord{
		Hash:       "p",
		MaxRetries: 3,
		RetryCount: 3,
		RolledBack: true,
	}); err != nil {
		t.Fatalf("SetRollbackMetadata error = %v", err)
	}

	m := newTestManager(t, s, nil)
	if err := m.CancelTimer(ctx); err != nil {
		t.Fatalf("CancelTimer error = %v", err)
	}

	record, err := s.GetRollbackMetadata(ctx)
	if err != nil {
		t.Fatalf("GetRollbackMetadata after cancel = %v, want consumed record kept", err)
	}
	if !record.RolledBack || record.RetryCount != 3 {
		t.Errorf("record after cancel = %+v, want untouched ledger", record)
	}

	// Reinstalling the same hash must still hit the retry-budget guard.
	if err := m.StartRollbackTimer(ctx, "p", StartOptions{}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}
	if got := m.ArmedHash(); got != "" {
		t.Errorf("ArmedHash = %q, want no timer for exhausted package", got)
	}
	failed, _ := s.GetFailedUpdates(ctx)
	if len(failed) != 1 || failed[0].Hash != "p" {
		t.Errorf("failed set = %+v, want immediate mark for p", failed)
	}
}

func TestRollbackRestoresPrevious(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()
	if err := s.SetPending(ctx, &pack.Descriptor{Hash: "p", Label: "v2"}); err != nil {
		t.Fatalf("SetPending error = %v", err)
	}

	fired := make(chan struct{})
	var reported [2]string
	m := newTestManager(t, s, func(failed, restored string) {
		reported = [2]string{failed, restored}
		close(fired)
	})

	if err := m.StartRollbackTimer(ctx, "p", StartOptions{DelayHours: shortDelayHours(20 * time.Millisecond)}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}
	waitForRollback(t, fired)

	current, err := s.GetCurrent(ctx)
	if err != nil {
		t.Fatalf("GetCurrent error = %v", err)
	}
	if current.Hash != "q" {
		t.Errorf("current after rollback = %s, want q", current.Hash)
	}
	if _, err := s.GetPending(ctx); !errors.Is(err, pack.ErrNotFound) {
		t.Errorf("pending after rollback = %v, want cleared", err)
	}

	failed, err := s.GetFailedUpdates(ctx)
	if err != nil {
		t.Fatalf("GetFailedUpdates error = %v", err)
	}
	if len(failed) != 1 || failed[0].Hash != "p" {
		t.Errorf("failed set = %+v, want [p]", failed)
	}
	if reported[0] != "p" || reported[1] != "q" {
		t.Errorf("rollback reported %v, want [p q]", reported)
	}

	record, err := s.GetRollbackMetadata(ctx)
	if err != nil {
		t.Fatalf("GetRollbackMetadata error = %v", err)
	}
	if !record.RolledBack {
		t.Error("record should be marked consumed after rollback")
	}
}

func TestRollbackMissingPreviousLeavesState(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	// Current package exists but was never recorded in history.
	if err := s.SetCurrent(ctx, &pack.Descriptor{Hash: "q", Label: "v1"}); err != nil {
		t.Fatalf("SetCurrent error = %v", err)
	}

	m := newTestManager(t, s, nil)
	if err := m.StartRollbackTimer(ctx, "p", StartOptions{DelayHours: shortDelayHours(20 * time.Millisecond)}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		failed, _ := s.GetFailedUpdates(ctx)
		if len(failed) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for failure mark")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// No silent data loss: current stays untouched.
	current, err := s.GetCurrent(ctx)
	if err != nil || current.Hash != "q" {
		t.Errorf("current = %+v, %v, want untouched q", current, err)
	}
}

func TestPoisonedPackageSkipsArming(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()
	// A consumed record whose retry budget is spent.
	if err := s.SetRollbackMetadata(ctx, &store.RollbackRecord{
		Hash:       "p",
		MaxRetries: 3,
		RetryCount: 3,
		RolledBack: true,
	}); err != nil {
		t.Fatalf("SetRollbackMetadata error = %v", err)
	}

	m := newTestManager(t, s, nil)
	if err := m.StartRollbackTimer(ctx, "p", StartOptions{}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}

	if got := m.ArmedHash(); got != "" {
		t.Errorf("ArmedHash = %q, want no timer for poisoned package", got)
	}
	failed, _ := s.GetFailedUpdates(ctx)
	if len(failed) != 1 || failed[0].Hash != "p" {
		t.Errorf("failed set = %+v, want immediate mark for p", failed)
	}
}

func TestRetryCountIncrements(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()
	if err := s.SetRollbackMetadata(ctx, &store.RollbackRecord{
		Hash:       "p",
		MaxRetries: 3,
		RetryCount: 1,
		RolledBack: true,
	}); err != nil {
		t.Fatalf("SetRollbackMetadata error = %v", err)
	}

	m := newTestManager(t, s, nil)
	if err := m.StartRollbackTimer(ctx, "p", StartOptions{}); err != nil {
		t.Fatalf("StartRollbackTimer error = %v", err)
	}

	record, err := s.GetRollbackMetadata(ctx)
	if err != nil {
		t.Fatalf("GetRollbackMetadata error = %v", err)
	}
	if record.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want incremented to 2", record.RetryCount)
	}
	if record.RolledBack {
		t.Error("fresh record should not be marked consumed")
	}
}

func TestCheckPendingRollbackElapsed(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()
	if err := s.SetPending(ctx, &pack.Descriptor{Hash: "p", Label: "v2"}); err != nil {
		t.Fatalf("SetPending error = %v", err)
	}
	// Simulate a record armed by a previous process whose deadline passed.
	if err := s.SetRollbackMetadata(ctx, &store.RollbackRecord{
		Hash:         "p",
		PreviousHash: "q",
		InstalledAt:  time.Now().Add(-time.Hour),
		Timeout:      5 * time.Minute,
		MaxRetries:   3,
		RetryCount:   1,
	}); err != nil {
		t.Fatalf("SetRollbackMetadata error = %v", err)
	}

	m := newTestManager(t, s, nil)
	if err := m.CheckPendingRollback(ctx); err != nil {
		t.Fatalf("CheckPendingRollback error = %v", err)
	}

	current, err := s.GetCurrent(ctx)
	if err != nil || current.Hash != "q" {
		t.Errorf("current after elapsed check = %+v, %v, want q", current, err)
	}
	failed, _ := s.GetFailedUpdates(ctx)
	if len(failed) != 1 || failed[0].Hash != "p" {
		t.Errorf("failed set = %+v, want [p]", failed)
	}
}

func TestCheckPendingRollbackRearmsRemaining(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()
	if err := s.SetRollbackMetadata(ctx, &store.RollbackRecord{
		Hash:         "p",
		PreviousHash: "q",
		InstalledAt:  time.Now(),
		Timeout:      time.Hour,
		MaxRetries:   3,
		RetryCount:   1,
	}); err != nil {
		t.Fatalf("SetRollbackMetadata error = %v", err)
	}

	m := newTestManager(t, s, nil)
	if err := m.CheckPendingRollback(ctx); err != nil {
		t.Fatalf("CheckPendingRollback error = %v", err)
	}
	if got := m.ArmedHash(); got != "p" {
		t.Errorf("ArmedHash = %q, want re-armed p", got)
	}

	// Current is untouched while the timer is pending.
	current, err := s.GetCurrent(ctx)
	if err != nil || current.Hash != "q" {
		t.Errorf("current = %+v, %v, want q", current, err)
	}
}

func TestCheckPendingRollbackIgnoresConsumed(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()
	if err := s.SetRollbackMetadata(ctx, &store.RollbackRecord{
		Hash:        "p",
		InstalledAt: time.Now().Add(-time.Hour),
		Timeout:     time.Minute,
		MaxRetries:  3,
		RetryCount:  1,
		RolledBack:  true,
	}); err != nil {
		t.Fatalf("SetRollbackMetadata error = %v", err)
	}

	m := newTestManager(t, s, nil)
	if err := m.CheckPendingRollback(ctx); err != nil {
		t.Fatalf("CheckPendingRollback error = %v", err)
	}
	if got := m.ArmedHash(); got != "" {
		t.Errorf("ArmedHash = %q, want none for consumed record", got)
	}
	if failed, _ := s.GetFailedUpdates(ctx); len(failed) != 0 {
		t.Errorf("failed set = %+v, want untouched", failed)
	}
}
