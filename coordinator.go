// Package overair is an over-the-air update client: it checks a remote
// service for a newer application package, downloads it through a serialized
// retrying queue, installs it pending a restart, and automatically reverts
// when the new package never confirms it launched healthy.
//
// SyncCoordinator is the top-level state machine. It composes the update
// check, the download queue, the install path, the rollback watchdog and the
// telemetry reporter; the host application constructs all of these explicitly
// and wires them together at its composition root.
package overair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/overair/overair/acquisition"
	"github.com/overair/overair/downloadqueue"
	"github.com/overair/overair/pack"
	"github.com/overair/overair/rollback"
	"github.com/overair/overair/store"
	"github.com/overair/overair/telemetry"
)

const defaultSyncTimeout = 5 * time.Minute

// Logger is the logging interface consumed by this package.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// ConfirmFunc asks the user whether to install an update. For mandatory
// updates the answer is informative only; the install proceeds regardless.
type ConfirmFunc func(ctx context.Context, update *pack.RemoteUpdate, mandatory bool) (bool, error)

// Options configure a SyncCoordinator.
type Options struct {
	Log      Logger
	Store    store.PackageStore
	Client   acquisition.UpdateClient
	Queue    *downloadqueue.Queue
	Rollback *rollback.Manager
	Metrics  *telemetry.Reporter

	// Confirm, when set, gates non-mandatory installs behind user approval.
	Confirm ConfirmFunc

	// Restart performs the host restart. Requests are routed through the
	// restart gate so the host can defer them during sensitive operations.
	Restart RestartFunc

	AppVersion string

	// RunningHash identifies the package the current process was launched
	// with. Empty means the host cannot tell, in which case a pending
	// package is promoted unconditionally on NotifyAppReady.
	RunningHash string

	// SyncTimeout bounds one whole Sync run. Zero means the 5 minute
	// default; negative disables the deadline.
	SyncTimeout time.Duration

	// RollbackDelayHours and RollbackMaxRetries are forwarded to the
	// watchdog when an install arms it.
	RollbackDelayHours float64
	RollbackMaxRetries int
}

// SyncOptions tune one Sync call.
type SyncOptions struct {
	// IgnoreFailedUpdates skips candidates whose hash is already in the
	// failed-update list.
	IgnoreFailedUpdates bool

	// InstallMode applies to optional updates; zero means ON_NEXT_RESTART.
	InstallMode InstallMode

	// MandatoryInstallMode applies to mandatory updates; zero means
	// IMMEDIATE.
	MandatoryInstallMode InstallMode

	// MinimumBackgroundDuration gates ON_NEXT_RESUME installs: the host
	// must have been backgrounded at least this long.
	MinimumBackgroundDuration time.Duration

	// Timeout overrides the coordinator's sync timeout for this call.
	Timeout time.Duration
}

// SyncCallbacks receive progress from one Sync call. All fields are optional.
type SyncCallbacks struct {
	Status         func(SyncStatus)
	Progress       downloadqueue.ProgressFunc
	BinaryMismatch func(update *pack.RemoteUpdate)
}

// SyncCoordinator drives the update lifecycle. At most one Sync runs at a
// time per instance; concurrent calls are rejected, not queued.
type SyncCoordinator struct {
	log      Logger
	store    store.PackageStore
	client   acquisition.UpdateClient
	queue    *downloadqueue.Queue
	rollback *rollback.Manager
	metrics  *telemetry.Reporter
	confirm  ConfirmFunc
	gate     *RestartGate
	restart  RestartFunc

	appVersion         string
	runningHash        string
	syncTimeout        time.Duration
	rollbackDelayHours float64
	rollbackMaxRetries int

	mu             sync.Mutex
	syncing        bool
	appReadyCalled bool
	installMode    InstallMode
	minBackground  time.Duration
}

// New validates the wiring and returns a coordinator.
func New(opts Options) (*SyncCoordinator, error) {
	if opts.Store == nil {
		return nil, &pack.ConfigurationError{Msg: "sync coordinator requires a package store"}
	}
	if opts.Client == nil {
		return nil, &pack.ConfigurationError{Msg: "sync coordinator requires an update client"}
	}
	if opts.Queue == nil {
		return nil, &pack.ConfigurationError{Msg: "sync coordinator requires a download queue"}
	}
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}

	return &SyncCoordinator{
		log:                opts.Log,
		store:              opts.Store,
		client:             opts.Client,
		queue:              opts.Queue,
		rollback:           opts.Rollback,
		metrics:            opts.Metrics,
		confirm:            opts.Confirm,
		gate:               NewRestartGate(opts.Log),
		restart:            opts.Restart,
		appVersion:         opts.AppVersion,
		runningHash:        opts.RunningHash,
		syncTimeout:        opts.SyncTimeout,
		rollbackDelayHours: opts.RollbackDelayHours,
		rollbackMaxRetries: opts.RollbackMaxRetries,
	}, nil
}

// Sync runs one pass of the update state machine. The returned error is
// non-nil only when the run exceeded its deadline; every other internal
// failure is logged once and mapped to StatusUnknownError. A call made while
// another Sync is active returns StatusSyncInProgress without side effects.
func (c *SyncCoordinator) Sync(ctx context.Context, opts SyncOptions, callbacks SyncCallbacks) (SyncStatus, error) {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return StatusSyncInProgress, nil
	}
	c.syncing = true
	c.mu.Unlock()

	// The guard is released on every exit, success or failure.
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.syncTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, err := c.runSync(ctx, opts, callbacks)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logWarn("Sync deadline exceeded")
			return StatusUnknownError, &pack.TimeoutError{Op: "sync"}
		}
		var timeoutErr *pack.TimeoutError
		if errors.As(err, &timeoutErr) {
			return StatusUnknownError, timeoutErr
		}
		c.logError("Sync failed", "error", err)
		return StatusUnknownError, nil
	}
	return status, nil
}

func (c *SyncCoordinator) runSync(ctx context.Context, opts SyncOptions, callbacks SyncCallbacks) (SyncStatus, error) {
	c.emit(callbacks, StatusCheckingForUpdate)

	current, err := c.store.GetCurrent(ctx)
	if err != nil && !errors.Is(err, pack.ErrNotFound) {
		return 0, fmt.Errorf("failed to read current package: %w", err)
	}

	update, mismatch, err := c.client.CheckForUpdateWithMismatch(ctx, current)
	if err != nil {
		return 0, fmt.Errorf("update check failed: %w", err)
	}
	c.reportEvent(telemetry.KindCheck, telemetry.EventData{})

	// "The app survived launch": the first completed check confirms
	// readiness if the host never called NotifyAppReady itself.
	c.NotifyAppReady(ctx)

	if update != nil && !mismatch && c.appVersion != "" && !update.MatchesBinaryVersion(c.appVersion) {
		mismatch = true
	}
	if mismatch {
		c.logInfo("Offered package requires a newer host binary, skipping", "label", labelOf(update))
		if callbacks.BinaryMismatch != nil && update != nil {
			callbacks.BinaryMismatch(update)
		}
		c.emit(callbacks, StatusUpToDate)
		return StatusUpToDate, nil
	}
	if update == nil {
		c.emit(callbacks, StatusUpToDate)
		return StatusUpToDate, nil
	}

	if opts.IgnoreFailedUpdates {
		failed, err := c.isFailed(ctx, update.Hash)
		if err != nil {
			return 0, err
		}
		if failed {
			c.logInfo("Candidate previously failed, ignoring", "label", update.Label)
			c.emit(callbacks, StatusUpdateIgnored)
			return StatusUpdateIgnored, nil
		}
	}

	if c.confirm != nil {
		c.emit(callbacks, StatusAwaitingUserAction)
		accepted, err := c.confirm(ctx, update, update.Mandatory)
		if err != nil {
			return 0, fmt.Errorf("update confirmation failed: %w", err)
		}
		// Mandatory installs proceed regardless of the answer.
		if !accepted && !update.Mandatory {
			c.emit(callbacks, StatusUpdateIgnored)
			return StatusUpdateIgnored, nil
		}
	}

	c.emit(callbacks, StatusDownloadingPackage)
	handle := c.queue.Enqueue(update, callbacks.Progress)
	local, err := handle.Await(ctx)
	if err != nil {
		return 0, fmt.Errorf("package download failed: %w", err)
	}
	c.reportEvent(telemetry.KindDownload, telemetry.EventData{Hash: local.Hash, Label: local.Label})

	c.emit(callbacks, StatusInstallingUpdate)
	mode := opts.InstallMode
	if mode == 0 {
		mode = InstallOnNextRestart
	}
	if update.Mandatory {
		mode = opts.MandatoryInstallMode
		if mode == 0 {
			mode = InstallImmediate
		}
	}
	if err := c.install(ctx, local, current, mode, opts.MinimumBackgroundDuration); err != nil {
		return 0, err
	}

	c.emit(callbacks, StatusUpdateInstalled)
	return StatusUpdateInstalled, nil
}

// install records the downloaded package as pending, arms the rollback
// watchdog, and applies the install mode.
func (c *SyncCoordinator) install(ctx context.Context, local *pack.LocalUpdate, previous *pack.Descriptor, mode InstallMode, minBackground time.Duration) error {
	data, err := os.ReadFile(local.Path)
	if err != nil {
		return &pack.UpdateError{Hash: local.Hash, Msg: "downloaded package data is missing", Err: err}
	}
	if err := c.store.SetPackageData(ctx, local.Hash, data); err != nil {
		return fmt.Errorf("failed to store package data: %w", err)
	}
	if err := c.store.AddToHistory(ctx, &local.Descriptor); err != nil {
		return fmt.Errorf("failed to record install history: %w", err)
	}
	if err := c.store.SetPending(ctx, &local.Descriptor); err != nil {
		return fmt.Errorf("failed to record pending package: %w", err)
	}

	// Watchdog failures must not fail the install.
	if c.rollback != nil {
		err := c.rollback.StartRollbackTimer(ctx, local.Hash, rollback.StartOptions{
			DelayHours: c.rollbackDelayHours,
			MaxRetries: c.rollbackMaxRetries,
		})
		if err != nil {
			c.logWarn("Failed to arm rollback watchdog", "error", err)
		}
	}

	eventData := telemetry.EventData{Hash: local.Hash, Label: local.Label, Status: telemetry.StatusSucceeded}
	if previous != nil {
		eventData.PreviousLabel = previous.Label
		eventData.PreviousKey = previous.DeploymentKey
	}
	c.reportEvent(telemetry.KindInstall, eventData)

	c.mu.Lock()
	c.installMode = mode
	c.minBackground = minBackground
	c.mu.Unlock()

	c.logInfo("Package installed", "label", local.Label, "mode", mode.String())

	if mode == InstallImmediate {
		if err := c.RestartApp(ctx, false); err != nil {
			c.logWarn("Immediate restart failed", "error", err)
		}
	}
	return nil
}

// NotifyAppReady confirms the running package launched healthy. It disarms
// the rollback watchdog, promotes a matching pending package to current, and
// clears the running hash from the failed list. At most one call per instance
// has any effect, and it never returns an error; failures are logged because
// hosts invoke this unconditionally at startup.
func (c *SyncCoordinator) NotifyAppReady(ctx context.Context) {
	c.mu.Lock()
	if c.appReadyCalled {
		c.mu.Unlock()
		return
	}
	c.appReadyCalled = true
	c.mu.Unlock()

	if c.rollback != nil {
		if err := c.rollback.CancelTimer(ctx); err != nil {
			c.logWarn("Failed to disarm rollback watchdog", "error", err)
		}
	}

	readyHash := c.runningHash
	readyLabel := ""
	pending, err := c.store.GetPending(ctx)
	switch {
	case err == nil && pending != nil:
		if c.runningHash == "" || c.runningHash == pending.Hash {
			if err := c.store.SetCurrent(ctx, pending); err != nil {
				c.logWarn("Failed to promote pending package", "error", err)
			} else if err := c.store.ClearPending(ctx); err != nil {
				c.logWarn("Failed to clear pending package", "error", err)
			} else {
				readyHash = pending.Hash
				readyLabel = pending.Label
				c.logInfo("Pending package confirmed and promoted", "label", pending.Label)
			}
		}
	case err != nil && !errors.Is(err, pack.ErrNotFound):
		c.logWarn("Failed to read pending package", "error", err)
	}

	if readyHash != "" {
		c.removeFromFailed(ctx, readyHash)
	}

	c.reportEvent(telemetry.KindAppReady, telemetry.EventData{
		Hash: readyHash, Label: readyLabel, Status: telemetry.StatusSucceeded,
	})
}

// RestartApp hands a restart request to the restart gate. With onlyIfPending
// set it is a no-op unless a pending package is waiting.
func (c *SyncCoordinator) RestartApp(ctx context.Context, onlyIfPending bool) error {
	if onlyIfPending {
		_, err := c.store.GetPending(ctx)
		if errors.Is(err, pack.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read pending package: %w", err)
		}
	}
	if c.restart == nil {
		return &pack.ConfigurationError{Msg: "no restart trigger configured"}
	}
	c.gate.Request(c.restart)
	return nil
}

// RestartGate exposes the deferral gate so the host can block restarts
// around sensitive operations.
func (c *SyncCoordinator) RestartGate() *RestartGate { return c.gate }

// NotifyAppResume applies an ON_NEXT_RESUME install once the host has been
// backgrounded at least the configured minimum duration.
func (c *SyncCoordinator) NotifyAppResume(ctx context.Context, backgroundDuration time.Duration) {
	c.mu.Lock()
	mode := c.installMode
	minBackground := c.minBackground
	c.mu.Unlock()

	if mode != InstallOnNextResume || backgroundDuration < minBackground {
		return
	}
	if err := c.RestartApp(ctx, true); err != nil {
		c.logWarn("Resume-triggered restart failed", "error", err)
	}
}

// NotifyAppSuspend applies an ON_NEXT_SUSPEND install as the host suspends.
func (c *SyncCoordinator) NotifyAppSuspend(ctx context.Context) {
	c.mu.Lock()
	mode := c.installMode
	c.mu.Unlock()

	if mode != InstallOnNextSuspend {
		return
	}
	if err := c.RestartApp(ctx, true); err != nil {
		c.logWarn("Suspend-triggered restart failed", "error", err)
	}
}

func (c *SyncCoordinator) isFailed(ctx context.Context, hash string) (bool, error) {
	failed, err := c.store.GetFailedUpdates(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read failed-update list: %w", err)
	}
	for _, f := range failed {
		if f.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (c *SyncCoordinator) removeFromFailed(ctx context.Context, hash string) {
	failed, err := c.store.GetFailedUpdates(ctx)
	if err != nil {
		c.logWarn("Failed to read failed-update list", "error", err)
		return
	}
	kept := failed[:0]
	for _, f := range failed {
		if f.Hash != hash {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(failed) {
		return
	}
	if err := c.store.SetFailedUpdates(ctx, kept); err != nil {
		c.logWarn("Failed to update failed-update list", "error", err)
	}
}

func (c *SyncCoordinator) emit(callbacks SyncCallbacks, status SyncStatus) {
	if callbacks.Status != nil {
		callbacks.Status(status)
	}
}

func (c *SyncCoordinator) reportEvent(kind telemetry.EventKind, data telemetry.EventData) {
	if c.metrics != nil {
		c.metrics.ReportEvent(kind, data)
	}
}

func labelOf(update *pack.RemoteUpdate) string {
	if update == nil {
		return ""
	}
	return update.Label
}

func (c *SyncCoordinator) logError(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Error(msg, args...)
	}
}

func (c *SyncCoordinator) logWarn(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Warn(msg, args...)
	}
}

func (c *SyncCoordinator) logInfo(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Info(msg, args...)
	}
}
