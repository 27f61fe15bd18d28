// Package store defines the durable record of package state: the current and
// pending packages, the failed-update set, install history, rollback
// metadata, raw bundle bytes, and the persisted telemetry queue.
package store

import (
	"context"
	"time"

	"github.com/overair/overair/pack"
)

// DefaultFailedExpiry is how long a failed-update mark is retained before it
// expires out of the failed set.
const DefaultFailedExpiry = 7 * 24 * time.Hour

// HistoryLimit caps the number of descriptors kept in install history.
// Re-installing a hash moves it to the most-recent slot instead of
// duplicating it.
const HistoryLimit = 3

// FailedUpdate is one entry of the append-only failed-update set.
type FailedUpdate struct {
	Hash     string    `json:"hash"`
	FailedAt time.Time `json:"failed_at"`
}

// RollbackRecord is the persisted watchdog state for one installed package.
// It exists from install until either explicit confirmation deletes it or a
// rollback consumes it.
type RollbackRecord struct {
	// Hash of the installed package the timer guards.
	Hash string `json:"hash"`
	// PreviousHash identifies the package to revert to.
	PreviousHash string `json:"previous_hash"`
	// InstalledAt is when the timer was armed.
	InstalledAt time.Time `json:"installed_at"`
	// Timeout is the watchdog window.
	Timeout time.Duration `json:"timeout"`
	// MaxRetries bounds how often a hash may be re-installed after rollback.
	MaxRetries int `json:"max_retries"`
	// RetryCount is how many times this hash has been installed so far.
	RetryCount int `json:"retry_count"`
	// RolledBack marks a record consumed by a fired watchdog. Consumed
	// records are kept as the failure mark for the retry-budget guard and
	// are never re-armed.
	RolledBack bool `json:"rolled_back,omitempty"`
}

// Deadline returns when the armed watchdog fires.
func (r *RollbackRecord) Deadline() time.Time {
	return r.InstalledAt.Add(r.Timeout)
}

// PackageStore is the durable package-state collaborator consumed by the
// update engine. Implementations can be in-memory or SQLite-backed.
//
// Invariants enforced by every implementation: exactly one current and at
// most one pending package, history capped at HistoryLimit with re-installs
// moving the hash to the most-recent slot, and a deduplicated failed set
// whose entries expire after the configured window.
type PackageStore interface {
	// GetCurrent returns the package the running app was launched with, or
	// pack.ErrNotFound when none is recorded.
	GetCurrent(ctx context.Context) (*pack.Descriptor, error)
	// SetCurrent records desc as the current package.
	SetCurrent(ctx context.Context, desc *pack.Descriptor) error
	// GetPending returns the installed-but-not-yet-running package, or
	// pack.ErrNotFound when none is pending.
	GetPending(ctx context.Context) (*pack.Descriptor, error)
	// SetPending records desc as the pending package, replacing any previous.
	SetPending(ctx context.Context, desc *pack.Descriptor) error
	// ClearPending removes the pending package record.
	ClearPending(ctx context.Context) error

	// GetFailedUpdates returns unexpired failed-update marks, oldest first.
	GetFailedUpdates(ctx context.Context) ([]FailedUpdate, error)
	// MarkFailed adds hash to the failed set. Re-marking refreshes its expiry.
	MarkFailed(ctx context.Context, hash string) error
	// SetFailedUpdates replaces the failed set.
	SetFailedUpdates(ctx context.Context, failed []FailedUpdate) error
	// ClearFailedUpdates empties the failed set.
	ClearFailedUpdates(ctx context.Context) error

	// GetRollbackMetadata returns the persisted watchdog record, or
	// pack.ErrNotFound when no timer is armed.
	GetRollbackMetadata(ctx context.Context) (*RollbackRecord, error)
	// SetRollbackMetadata persists the watchdog record, replacing any previous.
	SetRollbackMetadata(ctx context.Context, record *RollbackRecord) error
	// ClearRollbackMetadata deletes the watchdog record.
	ClearRollbackMetadata(ctx context.Context) error

	// AddToHistory records desc as the most recent install.
	AddToHistory(ctx context.Context, desc *pack.Descriptor) error
	// GetByHash looks a descriptor up in history.
	GetByHash(ctx context.Context, hash string) (*pack.Descriptor, error)
	// History returns the retained descriptors, most recent first.
	History(ctx context.Context) ([]*pack.Descriptor, error)

	// GetPackageData returns the raw bundle bytes for hash, or
	// pack.ErrNoPackageData when only metadata is stored.
	GetPackageData(ctx context.Context, hash string) ([]byte, error)
	// SetPackageData stores the raw bundle bytes for hash.
	SetPackageData(ctx context.Context, hash string, data []byte) error
	// DeletePackageData removes the stored bundle bytes for hash.
	DeletePackageData(ctx context.Context, hash string) error

	// LoadTelemetryQueue returns the persisted telemetry queue blob, or
	// pack.ErrNotFound when none was saved.
	LoadTelemetryQueue(ctx context.Context) ([]byte, error)
	// SaveTelemetryQueue persists the telemetry queue blob.
	SaveTelemetryQueue(ctx context.Context, data []byte) error
	// ClearTelemetryQueue deletes the persisted telemetry queue blob.
	ClearTelemetryQueue(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// pruneFailed drops expired entries and deduplicates by hash, keeping the
// most recent mark per hash and preserving insertion order.
func pruneFailed(failed []FailedUpdate, expiry time.Duration, now time.Time) []FailedUpdate {
	cutoff := now.Add(-expiry)
	seen := make(map[string]int)
	out := make([]FailedUpdate, 0, len(failed))
	for _, f := range failed {
		if expiry > 0 && f.FailedAt.Before(cutoff) {
			continue
		}
		if idx, ok := seen[f.Hash]; ok {
			if f.FailedAt.After(out[idx].FailedAt) {
				out[idx].FailedAt = f.FailedAt
			}
			continue
		}
		seen[f.Hash] = len(out)
		out = append(out, f)
	}
	return out
}
