// Command overair-agent runs the over-the-air update client as a standalone
// agent: it checks the configured update server on a schedule (or on server
// push), downloads and installs new packages, and reverts ones that never
// confirm a healthy launch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/overair/overair"
	"github.com/overair/overair/acquisition"
	"github.com/overair/overair/config"
	"github.com/overair/overair/downloadqueue"
	"github.com/overair/overair/logger"
	"github.com/overair/overair/rollback"
	"github.com/overair/overair/store"
	"github.com/overair/overair/telemetry"
)

// Set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to overair.toml (default: search standard locations)")
	svcFlag := flag.String("service", "", "service control action: install, uninstall, start, stop, run")
	writeConfig := flag.Bool("write-config", false, "write a default config file and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("overair-agent", version)
		return
	}

	if *writeConfig {
		path := *configPath
		if path == "" {
			path = "overair.toml"
		}
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintln(os.Stderr, "failed to write config:", err)
			os.Exit(1)
		}
		fmt.Println("wrote", path)
		return
	}

	prg := &program{configPath: *configPath}
	svc, err := service.New(prg, serviceConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create service:", err)
		os.Exit(1)
	}

	if *svcFlag != "" && *svcFlag != "run" {
		if err := service.Control(svc, *svcFlag); err != nil {
			fmt.Fprintln(os.Stderr, "service control failed:", err)
			os.Exit(1)
		}
		fmt.Println("service", *svcFlag, "succeeded")
		return
	}

	if !service.Interactive() || *svcFlag == "run" {
		if err := svc.Run(); err != nil {
			fmt.Fprintln(os.Stderr, "service run failed:", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runAgent(ctx, *configPath, false); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runAgent is the composition root: it wires the store, transport, queue,
// watchdog, reporter and coordinator, then runs the sync loop until ctx ends.
func runAgent(ctx context.Context, configPath string, isService bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dataDir, err := config.DataDirectory(isService)
	if err != nil {
		return err
	}

	logDir := ""
	if cfg.Logging.File {
		logDir = dataDir
	}
	log := logger.New(logger.LevelFromString(cfg.Logging.Level), logDir, 500)
	defer log.Close()
	log.Info("Starting overair-agent", "version", version)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "overair.db")
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer st.Close()

	clientID, err := config.LoadOrGenerateClientID(dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve client id: %w", err)
	}

	client, err := acquisition.NewHTTPClient(acquisition.Options{
		Log:                log,
		ServerURL:          cfg.Server.URL,
		DeploymentKey:      cfg.Server.DeploymentKey,
		AppVersion:         cfg.App.Version,
		ClientID:           clientID,
		CACertPath:         cfg.Server.CAPath,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		RequestTimeout:     time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
	})
	if err != nil {
		return err
	}

	downloadDir := cfg.Download.Dir
	if downloadDir == "" {
		downloadDir = filepath.Join(dataDir, "downloads")
	}
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	queue, err := downloadqueue.New(downloadqueue.Options{
		Log:            log,
		Downloader:     client,
		DownloadDir:    downloadDir,
		MaxRetries:     cfg.Download.MaxRetries,
		BaseRetryDelay: time.Duration(cfg.Download.BaseRetryDelayMs) * time.Millisecond,
		MaxRetryDelay:  time.Duration(cfg.Download.MaxRetryDelaySecs) * time.Second,
		MinDiskSpaceMB: cfg.Download.MinDiskSpaceMB,
	})
	if err != nil {
		return err
	}
	defer queue.Close()

	reporter, err := telemetry.NewReporter(ctx, telemetry.Options{
		Log:           log,
		Sender:        client,
		Store:         st,
		Enabled:       cfg.Telemetry.Enabled,
		ClientID:      clientID,
		DeploymentKey: cfg.Server.DeploymentKey,
		AppVersion:    cfg.App.Version,
		BatchSize:     cfg.Telemetry.BatchSize,
		FlushInterval: time.Duration(cfg.Telemetry.FlushIntervalSecs) * time.Second,
	})
	if err != nil {
		return err
	}
	reporter.Start()
	defer reporter.Stop()

	watchdog, err := rollback.NewManager(rollback.Options{
		Log:        log,
		Store:      st,
		MaxRetries: cfg.Rollback.MaxRetries,
		OnRollback: func(failedHash, revertedTo string) {
			reporter.ReportEvent(telemetry.KindRollback, telemetry.EventData{
				Hash:   failedHash,
				Status: telemetry.StatusFailed,
			})
		},
	})
	if err != nil {
		return err
	}
	defer watchdog.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord, err := overair.New(overair.Options{
		Log:      log,
		Store:    st,
		Client:   client,
		Queue:    queue,
		Rollback: watchdog,
		Metrics:  reporter,
		// The service manager restarts the process; exiting applies the
		// pending package on the way back up.
		Restart: func() {
			log.Info("Restart requested to apply pending package")
			cancel()
		},
		AppVersion:         cfg.App.Version,
		SyncTimeout:        time.Duration(cfg.Sync.TimeoutSecs) * time.Second,
		RollbackDelayHours: cfg.Rollback.DelayHours,
		RollbackMaxRetries: cfg.Rollback.MaxRetries,
	})
	if err != nil {
		return err
	}

	// Resume any watchdog armed before the last shutdown, then confirm this
	// launch succeeded.
	if err := watchdog.CheckPendingRollback(runCtx); err != nil {
		log.Warn("Pending rollback check failed", "error", err)
	}
	coord.NotifyAppReady(runCtx)

	syncNow := make(chan struct{}, 1)
	if cfg.Server.PushEnabled {
		push, err := acquisition.NewPushListener(acquisition.PushListenerOptions{
			Log:                log,
			ServerURL:          cfg.Server.URL,
			DeploymentKey:      cfg.Server.DeploymentKey,
			ClientID:           clientID,
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
			Handler: func(string) {
				select {
				case syncNow <- struct{}{}:
				default:
				}
			},
		})
		if err != nil {
			return err
		}
		push.Start()
		defer push.Stop()
	}

	syncOpts := overair.SyncOptions{
		IgnoreFailedUpdates:       cfg.Sync.IgnoreFailedUpdates,
		InstallMode:               installModeFromString(cfg.Sync.InstallMode),
		MandatoryInstallMode:      installModeFromString(cfg.Sync.MandatoryInstallMode),
		MinimumBackgroundDuration: time.Duration(cfg.Sync.MinimumBackgroundSecs) * time.Second,
	}
	runSync := func() {
		status, err := coord.Sync(runCtx, syncOpts, overair.SyncCallbacks{})
		if err != nil {
			log.Warn("Sync timed out", "error", err)
			return
		}
		log.Info("Sync finished", "status", status.String())
	}

	interval := time.Duration(cfg.Sync.IntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runSync()
	for {
		select {
		case <-runCtx.Done():
			log.Info("Shutting down overair-agent")
			return nil
		case <-ticker.C:
			runSync()
		case <-syncNow:
			runSync()
		}
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		found, err := config.FindConfigFile("overair.toml")
		if err != nil {
			// No file anywhere: run from defaults plus environment.
			cfg := config.Default()
			config.ApplyEnvOverrides(cfg)
			return cfg, nil
		}
		configPath = found
	}
	return config.Load(configPath)
}

func installModeFromString(s string) overair.InstallMode {
	switch s {
	case "immediate":
		return overair.InstallImmediate
	case "on_next_restart":
		return overair.InstallOnNextRestart
	case "on_next_resume":
		return overair.InstallOnNextResume
	case "on_next_suspend":
		return overair.InstallOnNextSuspend
	default:
		return 0
	}
}
