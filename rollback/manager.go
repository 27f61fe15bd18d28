// Package rollback arms a watchdog timer whenever a package is installed and
// reverts to the prior package if the watchdog is not disarmed in time. The
// watchdog state is persisted so it survives the exact failure it guards
// against: an update that crashes the app before it can confirm readiness.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/overair/overair/pack"
	"github.com/overair/overair/store"
)

const (
	defaultTimeout    = 5 * time.Minute
	defaultMaxRetries = 3
)

// Logger is the logging interface consumed by the manager.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// RollbackFunc is notified after a completed rollback, for telemetry.
type RollbackFunc func(failedHash, revertedTo string)

// Options configure a Manager.
type Options struct {
	Log        Logger
	Store      store.PackageStore
	MaxRetries int
	Clock      func() time.Time
	// OnRollback, when set, is invoked after a rollback completes.
	OnRollback RollbackFunc
}

// StartOptions configure one armed timer.
type StartOptions struct {
	// DelayHours is the watchdog window in hours; the effective timeout is
	// DelayHours * 60 minutes. Zero falls back to the 5 minute default.
	DelayHours float64
	// MaxRetries overrides the per-package re-install budget.
	MaxRetries int
}

// Manager owns the rollback watchdog. At most one timer is armed at a time;
// arming a new one implicitly cancels the previous.
type Manager struct {
	log        Logger
	store      store.PackageStore
	maxRetries int
	clock      func() time.Time
	onRollback RollbackFunc

	mu        sync.Mutex
	timer     *time.Timer
	armedHash string
}

// NewManager creates a rollback manager backed by the given store.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, &pack.ConfigurationError{Msg: "rollback manager requires a package store"}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		log:        opts.Log,
		store:      opts.Store,
		maxRetries: opts.MaxRetries,
		clock:      opts.Clock,
		onRollback: opts.OnRollback,
	}, nil
}

// StartRollbackTimer arms the watchdog for a freshly installed package. The
// current (pre-install) package becomes the rollback target. If the hash has
// already burned through its retry budget, no timer is armed and the package
// is marked failed immediately.
func (m *Manager) StartRollbackTimer(ctx context.Context, installedHash string, opts StartOptions) error {
	if installedHash == "" {
		return &pack.ConfigurationError{Msg: "rollback timer requires a package hash"}
	}

	timeout := time.Duration(opts.DelayHours * float64(time.Hour))
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.maxRetries
	}

	retryCount := 1
	prior, err := m.store.GetRollbackMetadata(ctx)
	if err != nil && !errors.Is(err, pack.ErrNotFound) {
		return fmt.Errorf("failed to read rollback metadata: %w", err)
	}
	if prior != nil && prior.Hash == installedHash {
		if prior.RetryCount >= prior.MaxRetries {
			// Poisoned package: repeated install/rollback loop. Refuse to
			// arm again and mark it failed outright.
			m.logWarn("Package exhausted rollback retries, marking failed",
				"hash", installedHash, "retries", prior.RetryCount)
			if err := m.store.MarkFailed(ctx, installedHash); err != nil {
				return fmt.Errorf("failed to mark poisoned package: %w", err)
			}
			return nil
		}
		retryCount = prior.RetryCount + 1
	}

	previousHash := ""
	if current, err := m.store.GetCurrent(ctx); err == nil {
		previousHash = current.Hash
	} else if !errors.Is(err, pack.ErrNotFound) {
		return fmt.Errorf("failed to read current package: %w", err)
	}

	record := &store.RollbackRecord{
		Hash:         installedHash,
		PreviousHash: previousHash,
		InstalledAt:  m.clock(),
		Timeout:      timeout,
		MaxRetries:   maxRetries,
		RetryCount:   retryCount,
	}
	if err := m.store.SetRollbackMetadata(ctx, record); err != nil {
		return fmt.Errorf("failed to persist rollback metadata: %w", err)
	}

	m.arm(installedHash, timeout)
	m.logInfo("Rollback watchdog armed",
		"hash", installedHash, "timeout", timeout, "retry", retryCount)
	return nil
}

// CancelTimer disarms the watchdog and deletes the record of the package it
// was guarding. Called by the successful-launch path once the new package has
// proven itself. A consumed record is left in place: it is the retry-budget
// ledger for an already reverted hash and must survive launches of the
// restored package.
func (m *Manager) CancelTimer(ctx context.Context) error {
	m.disarm()

	record, err := m.store.GetRollbackMetadata(ctx)
	if errors.Is(err, pack.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read rollback metadata: %w", err)
	}
	if record.RolledBack {
		return nil
	}
	if err := m.store.ClearRollbackMetadata(ctx); err != nil {
		return fmt.Errorf("failed to clear rollback metadata: %w", err)
	}
	m.logDebug("Rollback watchdog disarmed", "hash", record.Hash)
	return nil
}

// CheckPendingRollback re-derives watchdog state at process start. A
// deadline that elapsed while the process was down triggers an immediate
// rollback; otherwise the timer is re-armed for the remaining duration.
func (m *Manager) CheckPendingRollback(ctx context.Context) error {
	record, err := m.store.GetRollbackMetadata(ctx)
	if errors.Is(err, pack.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read rollback metadata: %w", err)
	}
	if record.RolledBack {
		return nil
	}

	remaining := record.Deadline().Sub(m.clock())
	if remaining <= 0 {
		m.logWarn("Rollback deadline elapsed while process was down", "hash", record.Hash)
		m.performRollback(ctx, record.Hash)
		return nil
	}

	m.arm(record.Hash, remaining)
	m.logInfo("Rollback watchdog re-armed", "hash", record.Hash, "remaining", remaining)
	return nil
}

// ArmedHash returns the hash the watchdog currently guards, or empty.
func (m *Manager) ArmedHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armedHash
}

// Stop disarms any in-memory timer without touching persisted state.
func (m *Manager) Stop() {
	m.disarm()
}

func (m *Manager) arm(hash string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.armedHash = hash
	m.timer = time.AfterFunc(d, func() {
		m.performRollback(context.Background(), hash)
	})
}

func (m *Manager) disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.armedHash = ""
}

// performRollback is the watchdog firing: the installed package never
// confirmed readiness and is presumed broken. Failures here are logged and
// swallowed; the safety net must never crash the host.
func (m *Manager) performRollback(ctx context.Context, failedHash string) {
	m.mu.Lock()
	if m.armedHash == failedHash {
		m.armedHash = ""
		m.timer = nil
	}
	m.mu.Unlock()

	record, err := m.store.GetRollbackMetadata(ctx)
	if err != nil {
		m.logWarn("Rollback fired without a readable record", "hash", failedHash, "error", err)
		return
	}
	if record.Hash != failedHash || record.RolledBack {
		m.logWarn("Rollback fired without a matching record", "hash", failedHash)
		return
	}

	if err := m.store.MarkFailed(ctx, failedHash); err != nil {
		m.logError("Failed to mark rolled-back package", "hash", failedHash, "error", err)
	}

	// The record stays behind, consumed, so the retry-budget guard can see
	// how often this hash has already failed.
	record.RolledBack = true
	if err := m.store.SetRollbackMetadata(ctx, record); err != nil {
		m.logError("Failed to persist consumed rollback record", "hash", failedHash, "error", err)
	}

	if record.PreviousHash == "" {
		m.logWarn("No previous package recorded, leaving state as-is", "hash", failedHash)
		return
	}
	previous, err := m.store.GetByHash(ctx, record.PreviousHash)
	if errors.Is(err, pack.ErrNotFound) {
		m.logWarn("Previous package missing from history, leaving state as-is",
			"hash", failedHash, "previous", record.PreviousHash)
		return
	}
	if err != nil {
		m.logError("Failed to look up previous package", "previous", record.PreviousHash, "error", err)
		return
	}

	if err := m.store.SetCurrent(ctx, previous); err != nil {
		m.logError("Failed to restore previous package", "previous", previous.Hash, "error", err)
		return
	}
	if err := m.store.ClearPending(ctx); err != nil {
		m.logError("Failed to clear pending package", "error", err)
	}

	m.logWarn("Rolled back unverified package", "failed", failedHash, "restored", previous.Hash)
	if m.onRollback != nil {
		m.onRollback(failedHash, previous.Hash)
	}
}

func (m *Manager) logError(msg string, args ...interface{}) {
	if m.log != nil {
		m.log.Error(msg, args...)
	}
}

func (m *Manager) logWarn(msg string, args ...interface{}) {
	if m.log != nil {
		m.log.Warn(msg, args...)
	}
}

func (m *Manager) logInfo(msg string, args ...interface{}) {
	if m.log != nil {
		m.log.Info(msg, args...)
	}
}

func (m *Manager) logDebug(msg string, args ...interface{}) {
	if m.log != nil {
		m.log.Debug(msg, args...)
	}
}
